// Package kvstore is a mailbox backend that keeps messages, flags and UIDs in a
// bbolt key/value database, and the list of mailboxes with their message counts
// in the tag service.
//
// Database layout, all under bucket "users", then a bucket per user:
//
//	messages/<id>                   message data, id from the bucket sequence
//	subscribed/<name>               subscribed mailbox names
//	mailboxes/<name>/uidvalidity    uint32
//	mailboxes/<name>/uids/<uid>     message id, uid from the bucket sequence
//	mailboxes/<name>/flags/<uid>    flags, space-separated
//	mailboxes/<name>/keywords/<kw>  keywords ever used in the mailbox
//
// UID validity values come from the sequence of the top-level "uidvalidity"
// bucket.
package kvstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	bolt "go.etcd.io/bbolt"

	"github.com/mjl-/moximap/mlog"
	"github.com/mjl-/moximap/store"
	"github.com/mjl-/moximap/tagsvc"
)

var (
	metricUIDAllocated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "moximap_kvstore_uid_allocated_total",
			Help: "Number of message UIDs allocated.",
		},
	)
)

var (
	bucketUsers       = []byte("users")
	bucketUIDValidity = []byte("uidvalidity")
	bucketMessages    = []byte("messages")
	bucketSubscribed  = []byte("subscribed")
	bucketMailboxes   = []byte("mailboxes")
	bucketUIDs        = []byte("uids")
	bucketFlags       = []byte("flags")
	bucketKeywords    = []byte("keywords")
	keyUIDValidity    = []byte("uidvalidity")
)

// Store is a backend with a bbolt database and a tag service.
type Store struct {
	DB      *bolt.DB
	Tags    *tagsvc.Client
	Initial []string // Mailboxes created for new users, in addition to INBOX.
	log     mlog.Log
}

var _ store.Backend = (*Store)(nil)

// Open opens or creates the database at path.
func Open(log mlog.Log, path string, tags *tagsvc.Client, initial []string) (*Store, error) {
	db, err := bolt.Open(path, 0660, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUsers); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketUIDValidity)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	return &Store{db, tags, initial, log}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func uidKey(uid store.UID) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(uid))
}

func seqKey(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func parseFlags(buf []byte) []string {
	if len(buf) == 0 {
		return nil
	}
	return strings.Split(string(buf), " ")
}

func formatFlags(flags []string) []byte {
	return []byte(strings.Join(flags, " "))
}

// Mailboxes returns the mailboxes of user. For a new user, the INBOX and
// initial mailboxes are created and subscribed.
func (s *Store) Mailboxes(ctx context.Context, username string) (store.Mailboxes, error) {
	var isnew bool
	err := s.DB.Update(func(tx *bolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		if users.Bucket([]byte(username)) != nil {
			return nil
		}
		isnew = true
		ub, err := users.CreateBucket([]byte(username))
		if err != nil {
			return err
		}
		for _, k := range [][]byte{bucketMessages, bucketSubscribed, bucketMailboxes} {
			if _, err := ub.CreateBucket(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("initializing user: %w", err)
	}
	mbs := &mailboxes{s, username, s.log.With(slog.String("user", username))}
	if !isnew {
		return mbs, nil
	}
	for _, xname := range append([]string{store.Inbox}, s.Initial...) {
		if err := mbs.Create(ctx, xname); err != nil && !errors.Is(err, store.ErrMailboxExists) {
			return nil, fmt.Errorf("creating initial mailbox %q: %w", xname, err)
		}
		if err := mbs.Subscribe(ctx, xname); err != nil {
			return nil, fmt.Errorf("subscribing to initial mailbox %q: %w", xname, err)
		}
	}
	mbs.log.Info("initialized new user")
	return mbs, nil
}

type mailboxes struct {
	s    *Store
	user string
	log  mlog.Log
}

var _ store.Mailboxes = (*mailboxes)(nil)

func (m *mailboxes) userBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	ub := tx.Bucket(bucketUsers).Bucket([]byte(m.user))
	if ub == nil {
		return nil, fmt.Errorf("missing bucket for user %q", m.user)
	}
	return ub, nil
}

func (m *mailboxes) List(ctx context.Context, ref, pattern string) ([]string, error) {
	tags, err := m.s.Tags.MailboxTags(ctx, m.user)
	if err != nil {
		return nil, fmt.Errorf("listing mailbox tags: %w", err)
	}
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = t.Name
	}
	return store.MatchNames(names, ref, pattern), nil
}

func (m *mailboxes) ListSubscribed(ctx context.Context, ref, pattern string) ([]string, error) {
	var names []string
	err := m.s.DB.View(func(tx *bolt.Tx) error {
		ub, err := m.userBucket(tx)
		if err != nil {
			return err
		}
		return ub.Bucket(bucketSubscribed).ForEach(func(k, v []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return store.MatchNames(names, ref, pattern), nil
}

func (m *mailboxes) Get(ctx context.Context, name string) (store.Mailbox, error) {
	name, err := store.CheckMailboxName(name)
	if err != nil {
		return nil, store.ErrMailboxNotFound
	}
	if _, err := m.s.Tags.MailboxTag(ctx, m.user, name); err != nil {
		return nil, err
	}

	// The tag exists. Make sure we have a bucket for it, the tag may have been
	// created through the tag service directly.
	var uidvalidity uint32
	err = m.s.DB.Update(func(tx *bolt.Tx) error {
		ub, err := m.userBucket(tx)
		if err != nil {
			return err
		}
		if mb := ub.Bucket(bucketMailboxes).Bucket([]byte(name)); mb != nil {
			uidvalidity = binary.BigEndian.Uint32(mb.Get(keyUIDValidity))
			return nil
		}
		uidvalidity, err = m.createBucket(tx, ub, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &handle{m, name, uidvalidity}, nil
}

// createBucket creates the bucket for mailbox name with a new uidvalidity,
// replacing a bucket that may linger after an earlier failed delete.
func (m *mailboxes) createBucket(tx *bolt.Tx, ub *bolt.Bucket, name string) (uint32, error) {
	v, err := tx.Bucket(bucketUIDValidity).NextSequence()
	if err != nil {
		return 0, fmt.Errorf("next uidvalidity: %w", err)
	}
	uidvalidity := uint32(v)

	mbs := ub.Bucket(bucketMailboxes)
	if mbs.Bucket([]byte(name)) != nil {
		if err := m.removeBucket(ub, name); err != nil {
			return 0, err
		}
	}
	mb, err := mbs.CreateBucket([]byte(name))
	if err != nil {
		return 0, fmt.Errorf("create mailbox bucket: %w", err)
	}
	if err := mb.Put(keyUIDValidity, binary.BigEndian.AppendUint32(nil, uidvalidity)); err != nil {
		return 0, err
	}
	for _, k := range [][]byte{bucketUIDs, bucketFlags, bucketKeywords} {
		if _, err := mb.CreateBucket(k); err != nil {
			return 0, err
		}
	}
	return uidvalidity, nil
}

// removeBucket removes the bucket of mailbox name and its message data.
func (m *mailboxes) removeBucket(ub *bolt.Bucket, name string) error {
	mbs := ub.Bucket(bucketMailboxes)
	mb := mbs.Bucket([]byte(name))
	if mb == nil {
		return nil
	}
	msgs := ub.Bucket(bucketMessages)
	err := mb.Bucket(bucketUIDs).ForEach(func(k, v []byte) error {
		return msgs.Delete(v)
	})
	if err != nil {
		return fmt.Errorf("removing messages: %w", err)
	}
	return mbs.DeleteBucket([]byte(name))
}

func (m *mailboxes) Create(ctx context.Context, name string) error {
	name, err := store.CheckMailboxName(name)
	if err != nil {
		return err
	}
	for _, p := range store.Parents(name) {
		if _, err := m.s.Tags.MailboxTagCreate(ctx, m.user, p); err != nil && !errors.Is(err, store.ErrMailboxExists) {
			return fmt.Errorf("creating parent mailbox %q: %w", p, err)
		}
	}
	if _, err := m.s.Tags.MailboxTagCreate(ctx, m.user, name); err != nil {
		return err
	}
	err = m.s.DB.Update(func(tx *bolt.Tx) error {
		ub, err := m.userBucket(tx)
		if err != nil {
			return err
		}
		_, err = m.createBucket(tx, ub, name)
		return err
	})
	if err != nil {
		return fmt.Errorf("creating mailbox bucket: %w", err)
	}
	m.log.Debug("mailbox created", slog.String("mailbox", name))
	return nil
}

func (m *mailboxes) Delete(ctx context.Context, name string) error {
	name, err := store.CheckMailboxName(name)
	if err != nil {
		return store.ErrMailboxNotFound
	}
	if name == store.Inbox {
		return store.ErrInbox
	}
	if err := m.s.Tags.MailboxTagDelete(ctx, m.user, name); err != nil {
		return err
	}
	err = m.s.DB.Update(func(tx *bolt.Tx) error {
		ub, err := m.userBucket(tx)
		if err != nil {
			return err
		}
		return m.removeBucket(ub, name)
	})
	if err != nil {
		return fmt.Errorf("removing mailbox bucket: %w", err)
	}
	m.log.Debug("mailbox removed", slog.String("mailbox", name))
	return nil
}

func (m *mailboxes) Subscribe(ctx context.Context, name string) error {
	name, err := store.CheckMailboxName(name)
	if err != nil {
		return err
	}
	return m.s.DB.Update(func(tx *bolt.Tx) error {
		ub, err := m.userBucket(tx)
		if err != nil {
			return err
		}
		return ub.Bucket(bucketSubscribed).Put([]byte(name), []byte{1})
	})
}

func (m *mailboxes) Unsubscribe(ctx context.Context, name string) error {
	name, err := store.CheckMailboxName(name)
	if err != nil {
		return err
	}
	return m.s.DB.Update(func(tx *bolt.Tx) error {
		ub, err := m.userBucket(tx)
		if err != nil {
			return err
		}
		sb := ub.Bucket(bucketSubscribed)
		if sb.Get([]byte(name)) == nil {
			return store.ErrMailboxNotFound
		}
		return sb.Delete([]byte(name))
	})
}
