// Package tagsvc is the HTTP tag service: it keeps the list of mailboxes of
// each user, as tags, with message counts. The kvstore backend keeps UIDs and
// message data itself and calls this service for the mailbox list and counts.
//
// The API is a sherpa API, served with NewHandler and called with Client.
package tagsvc

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mjl-/bstore"
	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/mjl-/moximap/mlog"
	"github.com/mjl-/moximap/moxvar"
	"github.com/mjl-/moximap/store"
)

var pkglog = mlog.New("tagsvc", nil)

//go:embed api.json
var apiJSON []byte

var apiDoc = mustParseAPI("tags", apiJSON)

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, slog.String("api", api))
	}
	return doc
}

var collector *sherpaprom.Collector

func init() {
	var err error
	collector, err = sherpaprom.NewCollector("moximaptags", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}
}

// Error codes, in the sherpa.Error Code field.
const (
	CodeNotFound = "user:notFound"
	CodeExists   = "user:exists"
	CodeBadName  = "user:badName"
	CodeError    = "server:error"
)

// Tag is a mailbox of a user.
type Tag struct {
	ID           int64
	User         string `bstore:"nonzero,unique User+Name"`
	Name         string `bstore:"nonzero"`
	MessageCount int
	UnreadCount  int
	RecentCount  int
	Created      time.Time `bstore:"default now"`
}

// Counts are changes to the message counts of a tag.
type Counts struct {
	Messages int
	Unread   int
	Recent   int
}

// DBTypes are the types stored in the tag database.
var DBTypes = []any{Tag{}}

// OpenDB opens or creates the tag database at path.
func OpenDB(ctx context.Context, log mlog.Log, path string) (*bstore.DB, error) {
	db, err := bstore.Open(ctx, path, moxvar.DBOptions(path, log.Logger), DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open tag database: %w", err)
	}
	return db, nil
}

type ctxKey string

// requestInfoCtxKey refers to the requestInfo in the context of API calls.
const requestInfoCtxKey ctxKey = "requestInfo"

type requestInfo struct {
	DB  *bstore.DB
	Log mlog.Log
}

// NewHandler returns an http handler for the API on db, to be mounted at path.
func NewHandler(path string, db *bstore.DB, log mlog.Log) (http.Handler, error) {
	doc := apiDoc
	h, err := sherpa.NewHandler(path, moxvar.Version, API{}, &doc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		return nil, fmt.Errorf("sherpa handler: %w", err)
	}
	fn := func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), requestInfoCtxKey, requestInfo{db, log})
		h.ServeHTTP(w, r.WithContext(ctx))
	}
	return http.HandlerFunc(fn), nil
}

// API is the tag service API. The database is passed through the request
// context.
type API struct{}

func reqInfo(ctx context.Context) requestInfo {
	return ctx.Value(requestInfoCtxKey).(requestInfo)
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	reqInfo(ctx).Log.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: CodeError, Message: errmsg})
}

func xusererrorf(code, format string, args ...any) {
	panic(&sherpa.Error{Code: code, Message: fmt.Sprintf(format, args...)})
}

func xcheckname(name string) string {
	name, err := store.CheckMailboxName(name)
	if err != nil {
		xusererrorf(CodeBadName, "%s", err)
	}
	return name
}

func xtag(ctx context.Context, tx *bstore.Tx, user, name string) Tag {
	t, err := bstore.QueryTx[Tag](tx).FilterNonzero(Tag{User: user, Name: name}).Get()
	if err == bstore.ErrAbsent {
		xusererrorf(CodeNotFound, "mailbox %q not found", name)
	}
	xcheckf(ctx, err, "looking up tag")
	return t
}

// MailboxTags returns all tags of a user, sorted by name.
func (a API) MailboxTags(ctx context.Context, user string) []Tag {
	l, err := bstore.QueryDB[Tag](ctx, reqInfo(ctx).DB).FilterNonzero(Tag{User: user}).SortAsc("Name").List()
	xcheckf(ctx, err, "listing tags")
	if l == nil {
		l = []Tag{}
	}
	return l
}

// MailboxTag returns a single tag.
func (a API) MailboxTag(ctx context.Context, user, name string) (t Tag) {
	name = xcheckname(name)
	err := reqInfo(ctx).DB.Read(ctx, func(tx *bstore.Tx) error {
		t = xtag(ctx, tx, user, name)
		return nil
	})
	xcheckf(ctx, err, "reading tag")
	return t
}

// MailboxTagCreate creates a new tag for a user.
func (a API) MailboxTagCreate(ctx context.Context, user, name string) (t Tag) {
	name = xcheckname(name)
	if user == "" {
		xusererrorf(CodeBadName, "missing user")
	}
	err := reqInfo(ctx).DB.Write(ctx, func(tx *bstore.Tx) error {
		exists, err := bstore.QueryTx[Tag](tx).FilterNonzero(Tag{User: user, Name: name}).Exists()
		xcheckf(ctx, err, "checking existing tag")
		if exists {
			xusererrorf(CodeExists, "mailbox %q already exists", name)
		}
		t = Tag{User: user, Name: name}
		return tx.Insert(&t)
	})
	xcheckf(ctx, err, "creating tag")
	reqInfo(ctx).Log.Debug("tag created", slog.String("user", user), slog.String("name", name))
	return t
}

// MailboxTagDelete removes a tag.
func (a API) MailboxTagDelete(ctx context.Context, user, name string) {
	name = xcheckname(name)
	err := reqInfo(ctx).DB.Write(ctx, func(tx *bstore.Tx) error {
		t := xtag(ctx, tx, user, name)
		return tx.Delete(&t)
	})
	xcheckf(ctx, err, "removing tag")
	reqInfo(ctx).Log.Debug("tag removed", slog.String("user", user), slog.String("name", name))
}

// MailboxTagAdjust adds the counts to those of the tag, and returns the updated
// tag. Counts do not go below zero.
func (a API) MailboxTagAdjust(ctx context.Context, user, name string, counts Counts) (t Tag) {
	name = xcheckname(name)
	err := reqInfo(ctx).DB.Write(ctx, func(tx *bstore.Tx) error {
		t = xtag(ctx, tx, user, name)
		t.MessageCount = max(0, t.MessageCount+counts.Messages)
		t.UnreadCount = max(0, t.UnreadCount+counts.Unread)
		t.RecentCount = max(0, t.RecentCount+counts.Recent)
		return tx.Update(&t)
	})
	xcheckf(ctx, err, "adjusting tag counts")
	return t
}

