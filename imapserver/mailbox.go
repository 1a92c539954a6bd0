package imapserver

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mjl-/moximap/imapcmd"
	"github.com/mjl-/moximap/imapresp"
	"github.com/mjl-/moximap/store"
)

// Select and examine open a mailbox. A failed SELECT leaves the current
// selection in place.
func cmdSelectExamine(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	c := cmd.(imapcmd.MailboxArg)
	isselect := c.Name() == "SELECT"

	mb, err := s.user.Mailboxes().Get(ctx, c.Mailbox)
	if err != nil {
		return s.storeError(ctx, c, err)
	}
	info, err := mb.Info(ctx)
	if err != nil {
		return s.storeError(ctx, c, err)
	}
	readonly := !isselect || !info.Writable

	var r imapresp.Response
	if isselect {
		r = imapresp.OKf(c.Tag(), "", "Selected mailbox.")
	} else {
		r = imapresp.OKf(c.Tag(), "", "Examined mailbox.")
	}
	r.Add(
		imapresp.Flags(info.Flags),
		imapresp.Exists(info.MessageCount),
		imapresp.Recent(info.RecentCount),
	)
	if info.FirstUnseen > 0 {
		r.Add(imapresp.Untagged(imapresp.OK, imapresp.CodeUnseen(info.FirstUnseen), "First unseen."))
	}
	r.Add(
		imapresp.Untagged(imapresp.OK, imapresp.CodeUIDNext(uint32(info.NextUID)), "Predicted next UID."),
		imapresp.Untagged(imapresp.OK, imapresp.CodeUIDValidity(info.UIDValidity), "UIDs valid."),
	)
	if readonly {
		r.Add(imapresp.Untagged(imapresp.OK, imapresp.CodePermanentFlags(nil), "Read-only mailbox."))
		r.Code = imapresp.CodeReadOnly
	} else {
		r.Add(imapresp.Untagged(imapresp.OK, imapresp.CodePermanentFlags(info.PermanentFlags), "Flags permitted."))
		r.Code = imapresp.CodeReadWrite
	}

	s.mailbox = mb
	s.readonly = readonly
	s.exists = info.MessageCount
	s.log.Debug("mailbox selected", slog.String("mailbox", mb.Name()), slog.Bool("readonly", readonly))
	return Result{Response: r}
}

func cmdCreate(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	c := cmd.(imapcmd.MailboxArg)
	if err := s.user.Mailboxes().Create(ctx, c.Mailbox); err != nil {
		return s.storeError(ctx, c, err)
	}
	return Result{Response: imapresp.OKf(c.Tag(), "", "Mailbox created.")}
}

func cmdDelete(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	c := cmd.(imapcmd.MailboxArg)
	if err := s.user.Mailboxes().Delete(ctx, c.Mailbox); err != nil {
		return s.storeError(ctx, c, err)
	}
	if s.mailbox != nil {
		if name, err := store.CheckMailboxName(c.Mailbox); err == nil && name == s.mailbox.Name() {
			s.unselect()
		}
	}
	return Result{Response: imapresp.OKf(c.Tag(), "", "Mailbox deleted.")}
}

func cmdSubscribe(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	c := cmd.(imapcmd.MailboxArg)
	if err := s.user.Mailboxes().Subscribe(ctx, c.Mailbox); err != nil {
		return s.storeError(ctx, c, err)
	}
	return Result{Response: imapresp.OKf(c.Tag(), "", "Subscribed.")}
}

func cmdUnsubscribe(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	c := cmd.(imapcmd.MailboxArg)
	if err := s.user.Mailboxes().Unsubscribe(ctx, c.Mailbox); err != nil {
		return s.storeError(ctx, c, err)
	}
	return Result{Response: imapresp.OKf(c.Tag(), "", "Unsubscribed.")}
}

// List and lsub. An empty pattern returns the hierarchy delimiter.
func cmdList(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	c := cmd.(imapcmd.List)
	r := imapresp.OKf(c.Tag(), "", "%s completed.", c.Name())
	if c.Pattern == "" {
		r.Add(imapresp.List(c.Name(), []string{`\Noselect`}, store.Delimiter, ""))
		return Result{Response: r}
	}

	mbs := s.user.Mailboxes()
	var names []string
	var err error
	if c.Name() == "LSUB" {
		names, err = mbs.ListSubscribed(ctx, c.Reference, c.Pattern)
	} else {
		names, err = mbs.List(ctx, c.Reference, c.Pattern)
	}
	if err != nil {
		return s.storeError(ctx, c, err)
	}
	for _, name := range names {
		r.Add(imapresp.List(c.Name(), nil, store.Delimiter, name))
	}
	return Result{Response: r}
}

func cmdStatus(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	c := cmd.(imapcmd.Status)
	mb, err := s.user.Mailboxes().Get(ctx, c.Mailbox)
	if err != nil {
		return s.storeError(ctx, c, err)
	}
	info, err := mb.Info(ctx)
	if err != nil {
		return s.storeError(ctx, c, err)
	}
	items := make([]imapresp.StatusItem, 0, len(c.Attrs))
	for _, a := range c.Attrs {
		var v uint32
		switch a {
		case "MESSAGES":
			v = info.MessageCount
		case "RECENT":
			v = info.RecentCount
		case "UIDNEXT":
			v = uint32(info.NextUID)
		case "UIDVALIDITY":
			v = info.UIDValidity
		case "UNSEEN":
			v = info.UnseenCount
		}
		items = append(items, imapresp.StatusItem{Name: a, Value: v})
	}
	r := imapresp.OKf(c.Tag(), "", "STATUS completed.")
	r.Add(imapresp.StatusData(mb.Name(), items))
	return Result{Response: r}
}

func cmdAppend(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	c := cmd.(imapcmd.Append)
	mb, err := s.user.Mailboxes().Get(ctx, c.Mailbox)
	if err != nil {
		res := s.storeError(ctx, c, err)
		if res.Response.Status == imapresp.NO && res.Response.Code == "" {
			res.Response.Code = imapresp.CodeTryCreate
		}
		return res
	}
	uid, err := mb.Add(ctx, c.Flags, c.Message)
	if err != nil {
		return s.storeError(ctx, c, err)
	}
	s.log.Debug("message appended", slog.String("mailbox", mb.Name()), slog.Any("uid", uid), slog.Int("size", len(c.Message)))

	r := imapresp.OKf(c.Tag(), "", "APPEND completed.")
	if s.mailbox != nil && s.mailbox.Name() == mb.Name() {
		s.updates(ctx, &r)
	}
	return Result{Response: r}
}

func cmdCheck(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	r := imapresp.OKf(cmd.Tag(), "", "CHECK completed.")
	s.updates(ctx, &r)
	return Result{Response: r}
}

// Close unselects the mailbox, first removing messages marked \Deleted unless
// the mailbox is read-only. No EXPUNGE responses are sent.
func cmdClose(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	if !s.readonly {
		if _, err := s.mailbox.Expunge(ctx); err != nil && !errors.Is(err, store.ErrMailboxNotFound) {
			return s.storeError(ctx, cmd, err)
		}
	}
	s.unselect()
	return Result{Response: imapresp.OKf(cmd.Tag(), "", "CLOSE completed.")}
}

func cmdExpunge(ctx context.Context, s *State, cmd imapcmd.Command) Result {
	if s.readonly {
		return Result{Response: imapresp.NOf(cmd.Tag(), imapresp.CodeReadOnly, "Mailbox is read-only.")}
	}
	seqs, err := s.mailbox.Expunge(ctx)
	if err != nil {
		return s.storeError(ctx, cmd, err)
	}
	r := imapresp.OKf(cmd.Tag(), "", "EXPUNGE completed.")
	// Sequence numbers are from before the expunge, each removal shifts later
	// messages down by one.
	for i, seq := range seqs {
		r.Add(imapresp.Expunge(seq - uint32(i)))
	}
	if n := uint32(len(seqs)); n < s.exists {
		s.exists -= n
	} else {
		s.exists = 0
	}
	return Result{Response: r}
}
