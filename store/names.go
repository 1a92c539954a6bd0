package store

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// CheckMailboxName returns the canonical mailbox name, with INBOX in upper case
// for the inbox and its children. Names must be in NFC, not empty, without
// leading, trailing or double delimiters, and without control characters.
func CheckMailboxName(name string) (string, error) {
	first := strings.SplitN(name, Delimiter, 2)[0]
	if strings.EqualFold(first, Inbox) {
		name = Inbox + name[len(Inbox):]
	}

	if norm.NFC.String(name) != name {
		return "", fmt.Errorf("%w: not normalized", ErrMailboxName)
	}
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrMailboxName)
	}
	if strings.HasPrefix(name, Delimiter) || strings.HasSuffix(name, Delimiter) || strings.Contains(name, Delimiter+Delimiter) {
		return "", fmt.Errorf("%w: bad use of delimiter", ErrMailboxName)
	}
	for _, c := range name {
		switch {
		case c < 0x20, c == 0x7f, c >= 0x80 && c <= 0x9f:
			return "", fmt.Errorf("%w: control character", ErrMailboxName)
		case c == '%', c == '*':
			return "", fmt.Errorf("%w: wildcard character", ErrMailboxName)
		}
	}
	return name, nil
}

// Parents returns the names of the parent mailboxes of name, outermost first.
func Parents(name string) []string {
	var l []string
	for i := strings.Index(name, Delimiter); i >= 0; {
		l = append(l, name[:i])
		j := strings.Index(name[i+1:], Delimiter)
		if j < 0 {
			break
		}
		i += 1 + j
	}
	return l
}

// Matcher matches mailbox names against a LIST reference and pattern.
type Matcher interface {
	MatchString(s string) bool
}

type noMatch struct{}

// MatchString for noMatch always returns false.
func (noMatch) MatchString(s string) bool {
	return false
}

// PatternMatcher returns a matcher for mailbox names given the reference and
// pattern. Patterns can include "%" and "*", matching any character excluding
// and including a delimiter respectively.
func PatternMatcher(ref, pattern string) Matcher {
	if strings.HasPrefix(ref, Delimiter) || strings.HasPrefix(pattern, Delimiter) {
		return noMatch{}
	}

	s := pattern
	if ref != "" {
		s = path.Join(ref, pattern)
	}

	// Fix casing for all inbox paths.
	first := strings.SplitN(s, Delimiter, 2)[0]
	if strings.EqualFold(first, Inbox) {
		s = Inbox + s[len(Inbox):]
	}

	var rs string
	for _, c := range s {
		if c == '%' {
			rs += "[^/]*"
		} else if c == '*' {
			rs += ".*"
		} else {
			rs += regexp.QuoteMeta(string(c))
		}
	}
	return regexp.MustCompile("^" + rs + "$")
}

// MatchNames returns the names matching the reference and pattern, keeping the
// order.
func MatchNames(names []string, ref, pattern string) []string {
	m := PatternMatcher(ref, pattern)
	var r []string
	for _, name := range names {
		if m.MatchString(name) {
			r = append(r, name)
		}
	}
	return r
}
