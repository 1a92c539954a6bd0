// Package store defines the storage collaborators of the IMAP server: per-user
// mailboxes, messages in a mailbox, and authentication of users.
//
// Backends, like memstore and kvstore, implement Mailboxes and Mailbox.
// Accounts implements Authenticator with accounts in a bstore database.
package store

import (
	"context"
	"errors"
)

var (
	ErrMailboxNotFound    = errors.New("mailbox not found")
	ErrMailboxExists      = errors.New("mailbox already exists")
	ErrMessageNotFound    = errors.New("message not found")
	ErrUnknownCredentials = errors.New("credentials not found")
	ErrReadOnly           = errors.New("mailbox is read-only")
	ErrInbox              = errors.New("operation not allowed on inbox")
	ErrMailboxName        = errors.New("invalid mailbox name")
)

// Inbox is the name of the inbox, always present for a user.
const Inbox = "INBOX"

// Delimiter separates hierarchy elements in mailbox names.
const Delimiter = "/"

// System flags, and the flag that indicates new keywords can be created.
const (
	FlagSeen     = `\Seen`
	FlagAnswered = `\Answered`
	FlagFlagged  = `\Flagged`
	FlagDeleted  = `\Deleted`
	FlagDraft    = `\Draft`
	FlagRecent   = `\Recent`
	FlagKeywords = `\*`
)

// SystemFlags are the flags available in every mailbox.
var SystemFlags = []string{FlagAnswered, FlagFlagged, FlagDeleted, FlagSeen, FlagDraft}

// UID is a message identifier, unique within a mailbox for its UID validity.
type UID uint32

// Info is the summary of a mailbox, as returned for SELECT, EXAMINE and STATUS.
type Info struct {
	MessageCount uint32
	RecentCount  uint32
	UnseenCount  uint32
	FirstUnseen  uint32 // Sequence number of first message without \Seen, 0 if none.
	UIDValidity  uint32
	NextUID      UID // Predicted UID for the next message.
	Writable     bool

	Flags          []string // Flags defined in the mailbox.
	PermanentFlags []string // Flags that can be changed permanently.
}

// Message is a message in a mailbox.
type Message struct {
	UID   UID
	Flags []string
	Data  []byte
}

// Mailboxes is the collection of mailboxes of a user. Mailbox names are in
// UTF-8, with hierarchy separated by Delimiter, and INBOX in upper case.
type Mailboxes interface {
	// List returns the names of mailboxes matching the reference and pattern, as
	// for the IMAP LIST command.
	List(ctx context.Context, ref, pattern string) ([]string, error)

	// ListSubscribed is like List, for subscribed mailboxes.
	ListSubscribed(ctx context.Context, ref, pattern string) ([]string, error)

	// Get returns the mailbox, or ErrMailboxNotFound.
	Get(ctx context.Context, name string) (Mailbox, error)

	// Create creates a mailbox, returning ErrMailboxExists if it already exists.
	Create(ctx context.Context, name string) error

	// Delete removes a mailbox and its messages. The inbox cannot be deleted.
	Delete(ctx context.Context, name string) error

	Subscribe(ctx context.Context, name string) error
	Unsubscribe(ctx context.Context, name string) error
}

// Mailbox is a handle to a single mailbox.
type Mailbox interface {
	Name() string
	Info(ctx context.Context) (Info, error)

	// Add adds a message and returns its new UID. UIDs are allocated atomically
	// and never reused within a UID validity.
	Add(ctx context.Context, flags []string, data []byte) (UID, error)

	// Delete removes a message immediately, without \Deleted flag.
	Delete(ctx context.Context, uid UID) error

	Fetch(ctx context.Context, uid UID) (Message, error)
	AddFlags(ctx context.Context, uid UID, flags []string) error
	RemoveFlags(ctx context.Context, uid UID, flags []string) error

	// Expunge removes messages with the \Deleted flag. It returns the sequence
	// numbers the removed messages had before the expunge, in ascending order.
	Expunge(ctx context.Context) ([]uint32, error)
}

// User is an authenticated user.
type User interface {
	Name() string
	Mailboxes() Mailboxes
}

// Authenticator verifies credentials.
type Authenticator interface {
	// Authenticate returns the user for the credentials, or ErrUnknownCredentials.
	Authenticate(ctx context.Context, username, password string) (User, error)
}

// Backend opens the mailboxes of a user, after authentication.
type Backend interface {
	Mailboxes(ctx context.Context, username string) (Mailboxes, error)
}
