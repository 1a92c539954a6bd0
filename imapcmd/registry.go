package imapcmd

import (
	"fmt"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/mjl-/moximap/imapwire"
	"github.com/mjl-/moximap/sasl"
)

// ParseFunc parses the arguments of a command, starting just after the
// keyword, through the end of the line.
type ParseFunc func(h Header, buf imapwire.Buffer, conts *imapwire.Continuations) (Command, imapwire.Buffer, error)

// BadCommandError is returned when a command line could not be parsed. Tag and
// Command are set when they were parsed.
type BadCommandError struct {
	Tag     string
	Command string // Upper case keyword.
	Err     error
}

func (e *BadCommandError) Error() string {
	if e.Command != "" {
		return fmt.Sprintf("bad command %s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("bad command: %v", e.Err)
}

func (e *BadCommandError) Unwrap() error {
	return e.Err
}

// CommandNotFoundError is returned for a keyword that is not registered.
type CommandNotFoundError struct {
	Tag     string
	Keyword string // Upper case.
}

func (e *CommandNotFoundError) Error() string {
	return fmt.Sprintf("command %s not found", e.Keyword)
}

type entry struct {
	class Class
	parse ParseFunc
}

// Registry maps keywords to command parsers. It is populated before serving
// and only read afterwards, so it can be shared by connections.
type Registry struct {
	commands   map[string]entry
	mechanisms *sasl.Catalog
}

// NewRegistry returns a registry with all commands of this package registered.
// AUTHENTICATE resolves mechanisms in the catalog.
func NewRegistry(mechanisms *sasl.Catalog) *Registry {
	r := &Registry{map[string]entry{}, mechanisms}

	for _, k := range []string{"CAPABILITY", "NOOP", "LOGOUT"} {
		r.Register(k, Any, parseNoArgs)
	}

	r.Register("LOGIN", NonAuth, parseLogin)
	r.Register("AUTHENTICATE", NonAuth, r.parseAuthenticate)
	r.Register("STARTTLS", NonAuth, parseNoArgs)

	for _, k := range []string{"SELECT", "EXAMINE", "CREATE", "DELETE", "SUBSCRIBE", "UNSUBSCRIBE"} {
		r.Register(k, Auth, parseMailboxArg)
	}
	r.Register("RENAME", Auth, parseRename)
	r.Register("LIST", Auth, parseList)
	r.Register("LSUB", Auth, parseList)
	r.Register("STATUS", Auth, parseStatus)
	r.Register("APPEND", Auth, parseAppend)

	for _, k := range []string{"CHECK", "CLOSE", "EXPUNGE"} {
		r.Register(k, Selected, parseNoArgs)
	}
	return r
}

// Register adds or replaces a command. The keyword is case-insensitive.
func (r *Registry) Register(keyword string, class Class, fn ParseFunc) {
	r.commands[strings.ToUpper(keyword)] = entry{class, fn}
}

// Class returns the class of a registered command.
func (r *Registry) Class(keyword string) (Class, bool) {
	e, ok := r.commands[strings.ToUpper(keyword)]
	return e.class, ok
}

// Keywords returns the sorted registered keywords.
func (r *Registry) Keywords() []string {
	l := maps.Keys(r.commands)
	slices.Sort(l)
	return l
}

// Parse parses a command line, which must include its line ending. Data for
// literals is taken from conts. If a literal needs data that is not in conts
// yet, an *imapwire.ContinuationRequired is returned, and the caller should
// parse the same line again with the data added, using a new queue.
//
// Errors are *BadCommandError, *CommandNotFoundError or
// *imapwire.ContinuationRequired.
func (r *Registry) Parse(buf imapwire.Buffer, conts *imapwire.Continuations) (Command, error) {
	tag, rest, err := imapwire.ParseTag(buf)
	if err != nil {
		return nil, &BadCommandError{Err: err}
	}
	rest, err = imapwire.ParseSpace(rest)
	if err != nil {
		return nil, &BadCommandError{Tag: tag, Err: err}
	}
	kw, rest, err := imapwire.ParseAtom(rest)
	if err != nil {
		return nil, &BadCommandError{Tag: tag, Err: err}
	}
	keyword := strings.ToUpper(string(kw))
	e, ok := r.commands[keyword]
	if !ok {
		return nil, &CommandNotFoundError{tag, keyword}
	}

	cmd, rest, err := e.parse(Header{tag, keyword, e.class}, rest, conts)
	if _, ok := imapwire.IsContinuationRequired(err); ok {
		return nil, err
	} else if err != nil {
		return nil, &BadCommandError{tag, keyword, err}
	}
	if !rest.Empty() {
		return nil, &BadCommandError{tag, keyword, fmt.Errorf("%w: leftover data %q", imapwire.ErrNotParseable, rest.String())}
	}
	return cmd, nil
}
