package kvstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"

	bolt "go.etcd.io/bbolt"

	"github.com/mjl-/moximap/store"
	"github.com/mjl-/moximap/tagsvc"
)

// handle is a mailbox as returned by Get. Operations fail with
// ErrMailboxNotFound if the mailbox was removed or recreated since.
type handle struct {
	m           *mailboxes
	name        string
	uidvalidity uint32
}

var _ store.Mailbox = (*handle)(nil)

func (h *handle) Name() string {
	return h.name
}

// bucket returns the bucket of the mailbox.
func (h *handle) bucket(tx *bolt.Tx) (ub, mb *bolt.Bucket, err error) {
	ub, err = h.m.userBucket(tx)
	if err != nil {
		return nil, nil, err
	}
	mb = ub.Bucket(bucketMailboxes).Bucket([]byte(h.name))
	if mb == nil || binary.BigEndian.Uint32(mb.Get(keyUIDValidity)) != h.uidvalidity {
		return nil, nil, store.ErrMailboxNotFound
	}
	return ub, mb, nil
}

// adjust changes the counts of the mailbox tag.
func (h *handle) adjust(ctx context.Context, counts tagsvc.Counts) error {
	if counts == (tagsvc.Counts{}) {
		return nil
	}
	_, err := h.m.s.Tags.MailboxTagAdjust(ctx, h.m.user, h.name, counts)
	if err != nil {
		return fmt.Errorf("adjusting mailbox counts: %w", err)
	}
	return nil
}

// flagCounts returns the counts a message with flags contributes to a tag.
func flagCounts(flags []string) tagsvc.Counts {
	c := tagsvc.Counts{Messages: 1}
	if !store.HasFlag(flags, store.FlagSeen) {
		c.Unread = 1
	}
	if store.HasFlag(flags, store.FlagRecent) {
		c.Recent = 1
	}
	return c
}

func diffCounts(a, b tagsvc.Counts) tagsvc.Counts {
	return tagsvc.Counts{Messages: a.Messages - b.Messages, Unread: a.Unread - b.Unread, Recent: a.Recent - b.Recent}
}

func (h *handle) Info(ctx context.Context) (store.Info, error) {
	tag, err := h.m.s.Tags.MailboxTag(ctx, h.m.user, h.name)
	if err != nil {
		return store.Info{}, err
	}
	info := store.Info{
		MessageCount: uint32(tag.MessageCount),
		RecentCount:  uint32(tag.RecentCount),
		UnseenCount:  uint32(tag.UnreadCount),
		UIDValidity:  h.uidvalidity,
		Writable:     true,
	}
	var keywords []string
	err = h.m.s.DB.View(func(tx *bolt.Tx) error {
		_, mb, err := h.bucket(tx)
		if err != nil {
			return err
		}
		info.NextUID = store.UID(mb.Bucket(bucketUIDs).Sequence() + 1)

		var seq uint32
		c := mb.Bucket(bucketFlags).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			seq++
			if !store.HasFlag(parseFlags(v), store.FlagSeen) {
				info.FirstUnseen = seq
				break
			}
		}

		return mb.Bucket(bucketKeywords).ForEach(func(k, v []byte) error {
			keywords = append(keywords, string(k))
			return nil
		})
	})
	if err != nil {
		return store.Info{}, err
	}
	info.Flags, info.PermanentFlags = store.MailboxFlags(keywords, info.Writable)
	return info, nil
}

func addKeywords(mb *bolt.Bucket, flags []string) error {
	kb := mb.Bucket(bucketKeywords)
	for _, f := range flags {
		if f[0] == '\\' {
			continue
		}
		if err := kb.Put([]byte(f), []byte{1}); err != nil {
			return err
		}
	}
	return nil
}

func (h *handle) Add(ctx context.Context, flags []string, data []byte) (store.UID, error) {
	flags, err := store.NormalizeFlags(flags)
	if err != nil {
		return 0, err
	}
	flags = append(flags, store.FlagRecent)

	var uid store.UID
	err = h.m.s.DB.Update(func(tx *bolt.Tx) error {
		ub, mb, err := h.bucket(tx)
		if err != nil {
			return err
		}
		msgs := ub.Bucket(bucketMessages)
		id, err := msgs.NextSequence()
		if err != nil {
			return fmt.Errorf("next message id: %w", err)
		}
		if err := msgs.Put(seqKey(id), data); err != nil {
			return err
		}
		v, err := mb.Bucket(bucketUIDs).NextSequence()
		if err != nil {
			return fmt.Errorf("next uid: %w", err)
		}
		uid = store.UID(v)
		if err := mb.Bucket(bucketUIDs).Put(uidKey(uid), seqKey(id)); err != nil {
			return err
		}
		if err := mb.Bucket(bucketFlags).Put(uidKey(uid), formatFlags(flags)); err != nil {
			return err
		}
		return addKeywords(mb, flags)
	})
	if err != nil {
		return 0, err
	}
	metricUIDAllocated.Inc()
	h.m.log.Debug("message added", slog.String("mailbox", h.name), slog.Any("uid", uid))
	return uid, h.adjust(ctx, flagCounts(flags))
}

func (h *handle) Delete(ctx context.Context, uid store.UID) error {
	var flags []string
	err := h.m.s.DB.Update(func(tx *bolt.Tx) error {
		ub, mb, err := h.bucket(tx)
		if err != nil {
			return err
		}
		uids := mb.Bucket(bucketUIDs)
		id := uids.Get(uidKey(uid))
		if id == nil {
			return store.ErrMessageNotFound
		}
		flags = parseFlags(mb.Bucket(bucketFlags).Get(uidKey(uid)))
		if err := ub.Bucket(bucketMessages).Delete(id); err != nil {
			return err
		}
		if err := mb.Bucket(bucketFlags).Delete(uidKey(uid)); err != nil {
			return err
		}
		return uids.Delete(uidKey(uid))
	})
	if err != nil {
		return err
	}
	return h.adjust(ctx, diffCounts(tagsvc.Counts{}, flagCounts(flags)))
}

func (h *handle) Fetch(ctx context.Context, uid store.UID) (store.Message, error) {
	m := store.Message{UID: uid}
	err := h.m.s.DB.View(func(tx *bolt.Tx) error {
		ub, mb, err := h.bucket(tx)
		if err != nil {
			return err
		}
		id := mb.Bucket(bucketUIDs).Get(uidKey(uid))
		if id == nil {
			return store.ErrMessageNotFound
		}
		m.Flags = parseFlags(mb.Bucket(bucketFlags).Get(uidKey(uid)))
		// Values are only valid during the transaction.
		m.Data = append([]byte{}, ub.Bucket(bucketMessages).Get(id)...)
		return nil
	})
	return m, err
}

func (h *handle) AddFlags(ctx context.Context, uid store.UID, flags []string) error {
	return h.changeFlags(ctx, uid, flags, nil)
}

func (h *handle) RemoveFlags(ctx context.Context, uid store.UID, flags []string) error {
	return h.changeFlags(ctx, uid, nil, flags)
}

func (h *handle) changeFlags(ctx context.Context, uid store.UID, add, remove []string) error {
	add, err := store.NormalizeFlags(add)
	if err != nil {
		return err
	}
	remove, err = store.NormalizeFlags(remove)
	if err != nil {
		return err
	}
	var before, after []string
	err = h.m.s.DB.Update(func(tx *bolt.Tx) error {
		_, mb, err := h.bucket(tx)
		if err != nil {
			return err
		}
		if mb.Bucket(bucketUIDs).Get(uidKey(uid)) == nil {
			return store.ErrMessageNotFound
		}
		fb := mb.Bucket(bucketFlags)
		before = parseFlags(fb.Get(uidKey(uid)))
		after = store.MergeFlags(before, add, remove)
		if err := fb.Put(uidKey(uid), formatFlags(after)); err != nil {
			return err
		}
		return addKeywords(mb, add)
	})
	if err != nil {
		return err
	}
	return h.adjust(ctx, diffCounts(flagCounts(after), flagCounts(before)))
}

func (h *handle) Expunge(ctx context.Context) ([]uint32, error) {
	var seqs []uint32
	var counts tagsvc.Counts
	err := h.m.s.DB.Update(func(tx *bolt.Tx) error {
		ub, mb, err := h.bucket(tx)
		if err != nil {
			return err
		}
		var expunged [][]byte
		var seq uint32
		fb := mb.Bucket(bucketFlags)
		err = fb.ForEach(func(k, v []byte) error {
			seq++
			flags := parseFlags(v)
			if store.HasFlag(flags, store.FlagDeleted) {
				seqs = append(seqs, seq)
				expunged = append(expunged, append([]byte{}, k...))
				counts = diffCounts(counts, flagCounts(flags))
			}
			return nil
		})
		if err != nil {
			return err
		}
		uids := mb.Bucket(bucketUIDs)
		msgs := ub.Bucket(bucketMessages)
		for _, k := range expunged {
			if id := uids.Get(k); id != nil {
				if err := msgs.Delete(id); err != nil {
					return err
				}
			}
			if err := uids.Delete(k); err != nil {
				return err
			}
			if err := fb.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(seqs) > 0 {
		h.m.log.Debug("messages expunged", slog.String("mailbox", h.name), slog.Int("count", len(seqs)))
	}
	return seqs, h.adjust(ctx, counts)
}
