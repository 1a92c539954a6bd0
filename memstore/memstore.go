// Package memstore is an in-memory mailbox backend, for testing and for running
// without persistent storage. Each user starts with an INBOX and a configurable
// set of other mailboxes.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mjl-/moximap/store"
)

// Store holds the mailboxes of all users.
type Store struct {
	sync.Mutex
	initial     []string
	users       map[string]*userData
	uidvalidity uint32 // Last handed out.
}

type userData struct {
	mailboxes  map[string]*mailbox
	subscribed map[string]bool
}

type mailbox struct {
	uidvalidity uint32
	uidnext     store.UID
	keywords    []string
	messages    []*message // Ordered by UID.
}

type message struct {
	uid   store.UID
	flags []string
	data  []byte
}

var _ store.Backend = (*Store)(nil)

// New returns a new store. Users get an INBOX and the mailboxes in initial,
// created and subscribed on first use.
func New(initial []string) *Store {
	return &Store{initial: initial, users: map[string]*userData{}}
}

// Mailboxes returns the mailboxes for user.
func (s *Store) Mailboxes(ctx context.Context, username string) (store.Mailboxes, error) {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.users[username]; !ok {
		u := &userData{map[string]*mailbox{}, map[string]bool{}}
		s.users[username] = u
		for _, xname := range append([]string{store.Inbox}, s.initial...) {
			name, err := store.CheckMailboxName(xname)
			if err != nil {
				return nil, fmt.Errorf("initial mailbox %q: %w", xname, err)
			}
			s.ensure(u, name)
			u.subscribed[name] = true
		}
	}
	return &mailboxes{s, username}, nil
}

// ensure creates mailbox name and its parents if they don't exist. Must be
// called with lock held.
func (s *Store) ensure(u *userData, name string) {
	for _, p := range append(store.Parents(name), name) {
		if _, ok := u.mailboxes[p]; !ok {
			s.uidvalidity++
			u.mailboxes[p] = &mailbox{uidvalidity: s.uidvalidity, uidnext: 1}
		}
	}
}

type mailboxes struct {
	s    *Store
	user string
}

var _ store.Mailboxes = (*mailboxes)(nil)

func (m *mailboxes) data() *userData {
	return m.s.users[m.user]
}

func (m *mailboxes) List(ctx context.Context, ref, pattern string) ([]string, error) {
	m.s.Lock()
	defer m.s.Unlock()
	var names []string
	for name := range m.data().mailboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return store.MatchNames(names, ref, pattern), nil
}

func (m *mailboxes) ListSubscribed(ctx context.Context, ref, pattern string) ([]string, error) {
	m.s.Lock()
	defer m.s.Unlock()
	var names []string
	for name := range m.data().subscribed {
		names = append(names, name)
	}
	sort.Strings(names)
	return store.MatchNames(names, ref, pattern), nil
}

func (m *mailboxes) Get(ctx context.Context, name string) (store.Mailbox, error) {
	name, err := store.CheckMailboxName(name)
	if err != nil {
		return nil, store.ErrMailboxNotFound
	}
	m.s.Lock()
	defer m.s.Unlock()
	mb, ok := m.data().mailboxes[name]
	if !ok {
		return nil, store.ErrMailboxNotFound
	}
	return &handle{m.s, m.user, name, mb}, nil
}

func (m *mailboxes) Create(ctx context.Context, name string) error {
	name, err := store.CheckMailboxName(name)
	if err != nil {
		return err
	}
	m.s.Lock()
	defer m.s.Unlock()
	u := m.data()
	if _, ok := u.mailboxes[name]; ok {
		return store.ErrMailboxExists
	}
	m.s.ensure(u, name)
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
	m.s.Lock()
	defer m.s.Unlock()
	u := m.data()
	if _, ok := u.mailboxes[name]; !ok {
		return store.ErrMailboxNotFound
	}
	delete(u.mailboxes, name)
	return nil
}

func (m *mailboxes) Subscribe(ctx context.Context, name string) error {
	name, err := store.CheckMailboxName(name)
	if err != nil {
		return err
	}
	m.s.Lock()
	defer m.s.Unlock()
	m.data().subscribed[name] = true
	return nil
}

func (m *mailboxes) Unsubscribe(ctx context.Context, name string) error {
	name, err := store.CheckMailboxName(name)
	if err != nil {
		return err
	}
	m.s.Lock()
	defer m.s.Unlock()
	u := m.data()
	if !u.subscribed[name] {
		return store.ErrMailboxNotFound
	}
	delete(u.subscribed, name)
	return nil
}

// handle is a mailbox as returned by Get. Operations fail with
// ErrMailboxNotFound if the mailbox was deleted in the mean time.
type handle struct {
	s    *Store
	user string
	name string
	mb   *mailbox
}

var _ store.Mailbox = (*handle)(nil)

func (h *handle) Name() string {
	return h.name
}

// xmailbox returns the mailbox if it still exists. Must be called with lock held.
func (h *handle) xmailbox() (*mailbox, error) {
	if h.s.users[h.user].mailboxes[h.name] != h.mb {
		return nil, store.ErrMailboxNotFound
	}
	return h.mb, nil
}

func (h *handle) Info(ctx context.Context) (store.Info, error) {
	h.s.Lock()
	defer h.s.Unlock()
	mb, err := h.xmailbox()
	if err != nil {
		return store.Info{}, err
	}
	info := store.Info{
		MessageCount: uint32(len(mb.messages)),
		UIDValidity:  mb.uidvalidity,
		NextUID:      mb.uidnext,
		Writable:     true,
	}
	for i, m := range mb.messages {
		if store.HasFlag(m.flags, store.FlagRecent) {
			info.RecentCount++
		}
		if !store.HasFlag(m.flags, store.FlagSeen) {
			info.UnseenCount++
			if info.FirstUnseen == 0 {
				info.FirstUnseen = uint32(i + 1)
			}
		}
	}
	info.Flags, info.PermanentFlags = store.MailboxFlags(mb.keywords, info.Writable)
	return info, nil
}

func (h *handle) addKeywords(mb *mailbox, flags []string) {
	for _, f := range flags {
		if f[0] != '\\' && !store.HasFlag(mb.keywords, f) {
			mb.keywords = append(mb.keywords, f)
		}
	}
}

func (h *handle) Add(ctx context.Context, flags []string, data []byte) (store.UID, error) {
	flags, err := store.NormalizeFlags(flags)
	if err != nil {
		return 0, err
	}
	h.s.Lock()
	defer h.s.Unlock()
	mb, err := h.xmailbox()
	if err != nil {
		return 0, err
	}
	uid := mb.uidnext
	mb.uidnext++
	flags = append(flags, store.FlagRecent)
	mb.messages = append(mb.messages, &message{uid, flags, append([]byte{}, data...)})
	h.addKeywords(mb, flags)
	return uid, nil
}

// xmessage returns the index of the message. Must be called with lock held.
func (h *handle) xmessage(uid store.UID) (*mailbox, int, error) {
	mb, err := h.xmailbox()
	if err != nil {
		return nil, 0, err
	}
	i := sort.Search(len(mb.messages), func(i int) bool { return mb.messages[i].uid >= uid })
	if i >= len(mb.messages) || mb.messages[i].uid != uid {
		return nil, 0, store.ErrMessageNotFound
	}
	return mb, i, nil
}

func (h *handle) Delete(ctx context.Context, uid store.UID) error {
	h.s.Lock()
	defer h.s.Unlock()
	mb, i, err := h.xmessage(uid)
	if err != nil {
		return err
	}
	mb.messages = append(mb.messages[:i], mb.messages[i+1:]...)
	return nil
}

func (h *handle) Fetch(ctx context.Context, uid store.UID) (store.Message, error) {
	h.s.Lock()
	defer h.s.Unlock()
	mb, i, err := h.xmessage(uid)
	if err != nil {
		return store.Message{}, err
	}
	m := mb.messages[i]
	return store.Message{UID: m.uid, Flags: append([]string{}, m.flags...), Data: m.data}, nil
}

func (h *handle) AddFlags(ctx context.Context, uid store.UID, flags []string) error {
	return h.changeFlags(uid, flags, nil)
}

func (h *handle) RemoveFlags(ctx context.Context, uid store.UID, flags []string) error {
	return h.changeFlags(uid, nil, flags)
}

func (h *handle) changeFlags(uid store.UID, add, remove []string) error {
	add, err := store.NormalizeFlags(add)
	if err != nil {
		return err
	}
	remove, err = store.NormalizeFlags(remove)
	if err != nil {
		return err
	}
	h.s.Lock()
	defer h.s.Unlock()
	mb, i, err := h.xmessage(uid)
	if err != nil {
		return err
	}
	m := mb.messages[i]
	m.flags = store.MergeFlags(m.flags, add, remove)
	h.addKeywords(mb, add)
	return nil
}

func (h *handle) Expunge(ctx context.Context) ([]uint32, error) {
	h.s.Lock()
	defer h.s.Unlock()
	mb, err := h.xmailbox()
	if err != nil {
		return nil, err
	}
	var seqs []uint32
	var keep []*message
	for i, m := range mb.messages {
		if store.HasFlag(m.flags, store.FlagDeleted) {
			seqs = append(seqs, uint32(i+1))
		} else {
			keep = append(keep, m)
		}
	}
	mb.messages = keep
	return seqs, nil
}
