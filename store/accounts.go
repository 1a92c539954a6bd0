package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/secure/precis"

	"github.com/mjl-/bstore"

	"github.com/mjl-/moximap/mlog"
	"github.com/mjl-/moximap/moxvar"
)

// Account is a user that can log in, with a bcrypt hash of its password.
type Account struct {
	Name    string // Normalized with precis UsernameCaseMapped.
	Hash    string
	Created time.Time `bstore:"default now"`
}

// DBTypes are the types stored in the accounts database.
var DBTypes = []any{Account{}}

// Accounts is an Authenticator for accounts stored in a bstore database. The
// mailboxes of authenticated users are opened through a Backend.
type Accounts struct {
	DB      *bstore.DB
	Backend Backend
	log     mlog.Log
}

var _ Authenticator = (*Accounts)(nil)

// OpenAccounts opens or creates the accounts database at path.
func OpenAccounts(ctx context.Context, log mlog.Log, path string, backend Backend) (*Accounts, error) {
	db, err := bstore.Open(ctx, path, moxvar.DBOptions(path, log.Logger), DBTypes...)
	if err != nil {
		return nil, fmt.Errorf("open accounts database: %w", err)
	}
	return &Accounts{db, backend, log}, nil
}

// Close closes the database.
func (a *Accounts) Close() error {
	return a.DB.Close()
}

// NormalizeUsername returns the canonical form of a username.
func NormalizeUsername(name string) (string, error) {
	s, err := precis.UsernameCaseMapped.String(name)
	if err != nil {
		return "", fmt.Errorf("normalizing username: %w", err)
	}
	return s, nil
}

// SetPassword sets a new password for an account, creating the account if it
// does not yet exist.
func (a *Accounts) SetPassword(ctx context.Context, name, password string) error {
	name, err := NormalizeUsername(name)
	if err != nil {
		return err
	}
	password, err = precis.OpaqueString.String(password)
	if err != nil {
		return fmt.Errorf("normalizing password: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("generating password hash: %w", err)
	}

	err = a.DB.Write(ctx, func(tx *bstore.Tx) error {
		acc := Account{Name: name}
		if err := tx.Get(&acc); err == bstore.ErrAbsent {
			acc.Hash = string(hash)
			return tx.Insert(&acc)
		} else if err != nil {
			return fmt.Errorf("get account: %w", err)
		}
		acc.Hash = string(hash)
		return tx.Update(&acc)
	})
	if err == nil {
		a.log.Info("new password set for account", slog.String("account", name))
	}
	return err
}

// Remove removes an account.
func (a *Accounts) Remove(ctx context.Context, name string) error {
	name, err := NormalizeUsername(name)
	if err != nil {
		return err
	}
	err = a.DB.Delete(ctx, &Account{Name: name})
	if err == bstore.ErrAbsent {
		return ErrUnknownCredentials
	}
	return err
}

// List returns the account names, sorted.
func (a *Accounts) List(ctx context.Context) ([]string, error) {
	l, err := bstore.QueryDB[Account](ctx, a.DB).SortAsc("Name").List()
	if err != nil {
		return nil, err
	}
	names := make([]string, len(l))
	for i, acc := range l {
		names[i] = acc.Name
	}
	return names, nil
}

// We keep a cache of recent successful authentications, so we don't have to bcrypt successful calls each time.
var authCache = struct {
	sync.Mutex
	success map[authKey]string
}{
	success: map[authKey]string{},
}

type authKey struct {
	name, hash string
}

// StartAuthCache starts a goroutine that regularly clears the auth cache.
func StartAuthCache() {
	go manageAuthCache()
}

func manageAuthCache() {
	for {
		authCache.Lock()
		authCache.success = map[authKey]string{}
		authCache.Unlock()
		time.Sleep(15 * time.Minute)
	}
}

type user struct {
	name      string
	mailboxes Mailboxes
}

func (u user) Name() string         { return u.name }
func (u user) Mailboxes() Mailboxes { return u.mailboxes }

// Authenticate verifies the password of an account and opens its mailboxes.
func (a *Accounts) Authenticate(ctx context.Context, username, password string) (User, error) {
	name, err := NormalizeUsername(username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownCredentials, err)
	}
	password, err = precis.OpaqueString.String(password)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownCredentials, err)
	}

	acc := Account{Name: name}
	if err := a.DB.Get(ctx, &acc); err == bstore.ErrAbsent {
		return nil, ErrUnknownCredentials
	} else if err != nil {
		return nil, fmt.Errorf("looking up account: %v", err)
	}

	authCache.Lock()
	ok := len(password) >= 8 && authCache.success[authKey{name, acc.Hash}] == password
	authCache.Unlock()
	if !ok {
		if err := bcrypt.CompareHashAndPassword([]byte(acc.Hash), []byte(password)); err != nil {
			return nil, ErrUnknownCredentials
		}
		authCache.Lock()
		authCache.success[authKey{name, acc.Hash}] = password
		authCache.Unlock()
	}

	mailboxes, err := a.Backend.Mailboxes(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("opening mailboxes: %w", err)
	}
	return user{name, mailboxes}, nil
}

// IsUnknownCredentials returns whether err is a rejection of credentials, as
// opposed to a failure to verify them.
func IsUnknownCredentials(err error) bool {
	return errors.Is(err, ErrUnknownCredentials)
}
