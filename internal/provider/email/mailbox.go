package email

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mail-archiver/internal/mime"
	"github.com/nhle/mail-archiver/internal/provider"
)

// ListFolders returns every mailbox the account can see.
func (p *Provider) ListFolders(ctx context.Context) ([]provider.Folder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureConnectedLocked(ctx); err != nil {
		return nil, err
	}

	client := p.client
	var list []*imap.ListData
	err := p.await(ctx, func() error {
		var err error
		list, err = client.List("", "*", nil).Collect()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %w", err)
	}

	folders := make([]provider.Folder, 0, len(list))
	for _, data := range list {
		folders = append(folders, folderFromList(data))
	}
	return folders, nil
}

func folderFromList(data *imap.ListData) provider.Folder {
	f := provider.Folder{
		ID:         data.Mailbox,
		Name:       data.Mailbox,
		Selectable: true,
	}
	if data.Delim != 0 {
		f.Delimiter = string(data.Delim)
	}

	for _, attr := range data.Attrs {
		f.Attributes = append(f.Attributes, string(attr))
		switch strings.ToLower(string(attr)) {
		case strings.ToLower(string(imap.MailboxAttrNoSelect)),
			strings.ToLower(string(imap.MailboxAttrNonExistent)):
			f.Selectable = false
		case strings.ToLower(string(imap.MailboxAttrSent)):
			f.SentHint = true
		}
	}
	return f
}

// FetchSince pages through messages received on or after the window's
// date. IMAP SEARCH has day granularity, so a page may include messages
// from earlier in the same day; deduplication absorbs them.
func (p *Provider) FetchSince(
	ctx context.Context,
	folder provider.Folder,
	w provider.Window,
	fn provider.PageFunc,
) error {
	criteria := &imap.SearchCriteria{}
	if !w.Since.IsZero() {
		criteria.Since = w.Since
	}
	return p.page(ctx, folder.ID, criteria, fn)
}

// FetchBefore pages through messages received before cutoff.
func (p *Provider) FetchBefore(
	ctx context.Context,
	folder provider.Folder,
	cutoff time.Time,
	fn provider.PageFunc,
) error {
	return p.page(ctx, folder.ID, &imap.SearchCriteria{Before: cutoff}, fn)
}

// page searches mailbox, then fetches envelopes one page of UIDs at a
// time, checking for cancellation between pages. A page that fails on
// a dropped connection is retried once after reconnecting.
func (p *Provider) page(
	ctx context.Context,
	mailbox string,
	criteria *imap.SearchCriteria,
	fn provider.PageFunc,
) error {
	uids, err := p.search(ctx, mailbox, criteria)
	if err != nil && provider.IsTransient(err) && ctx.Err() == nil {
		if rerr := p.Reconnect(ctx); rerr != nil {
			return fmt.Errorf("reconnecting after %v: %w", err, rerr)
		}
		uids, err = p.search(ctx, mailbox, criteria)
	}
	if err != nil {
		return err
	}

	for start := 0; start < len(uids); start += p.opts.PageSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		end := min(start+p.opts.PageSize, len(uids))
		chunk := uids[start:end]

		refs, err := provider.WithReconnect(ctx, p, func() ([]provider.MessageRef, error) {
			return p.envelopes(ctx, mailbox, chunk)
		})
		if err != nil {
			return fmt.Errorf("fetching envelopes from %s: %w", mailbox, err)
		}

		if err := fn(refs); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) search(
	ctx context.Context,
	mailbox string,
	criteria *imap.SearchCriteria,
) ([]imap.UID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureSelectedLocked(ctx, mailbox, false); err != nil {
		return nil, err
	}

	client := p.client
	var data *imap.SearchData
	err := p.await(ctx, func() error {
		var err error
		data, err = client.UIDSearch(criteria, nil).Wait()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", mailbox, err)
	}
	return data.AllUIDs(), nil
}

func (p *Provider) envelopes(
	ctx context.Context,
	mailbox string,
	uids []imap.UID,
) ([]provider.MessageRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureSelectedLocked(ctx, mailbox, false); err != nil {
		return nil, err
	}

	client := p.client
	var bufs []*imapclient.FetchMessageBuffer
	err := p.await(ctx, func() error {
		var err error
		bufs, err = client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
			UID:          true,
			Envelope:     true,
			InternalDate: true,
			RFC822Size:   true,
		}).Collect()
		return err
	})
	if err != nil {
		return nil, err
	}

	refs := make([]provider.MessageRef, 0, len(bufs))
	for _, buf := range bufs {
		refs = append(refs, refFromBuffer(mailbox, buf))
	}
	return refs, nil
}

func refFromBuffer(mailbox string, buf *imapclient.FetchMessageBuffer) provider.MessageRef {
	ref := provider.MessageRef{
		Folder: mailbox,
		UID:    uint32(buf.UID),
		ID:     fmt.Sprintf("%s/%d", mailbox, buf.UID),
		Date:   buf.InternalDate.UTC(),
		Size:   buf.RFC822Size,
	}

	if env := buf.Envelope; env != nil {
		ref.MessageID = env.MessageID
		ref.Subject = env.Subject
		if !env.Date.IsZero() {
			ref.Date = env.Date.UTC()
		}
		for _, a := range env.From {
			ref.From = append(ref.From, a.Addr())
		}
		for _, a := range env.To {
			ref.To = append(ref.To, a.Addr())
		}
	}
	return ref
}

// FetchFull downloads and parses the complete message. The \Seen flag
// is left untouched.
func (p *Provider) FetchFull(ctx context.Context, ref provider.MessageRef) (*provider.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureSelectedLocked(ctx, ref.Folder, false); err != nil {
		return nil, err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	client := p.client
	var bufs []*imapclient.FetchMessageBuffer
	err := p.await(ctx, func() error {
		var err error
		bufs, err = client.Fetch(imap.UIDSetNum(imap.UID(ref.UID)), &imap.FetchOptions{
			UID:          true,
			InternalDate: true,
			BodySection:  []*imap.FetchItemBodySection{section},
		}).Collect()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetching message UID %d: %w", ref.UID, err)
	}
	if len(bufs) == 0 {
		return nil, fmt.Errorf("message UID %d not found in %s", ref.UID, ref.Folder)
	}

	raw := bufs[0].FindBodySection(section)
	if raw == nil {
		return nil, fmt.Errorf("message UID %d has no body", ref.UID)
	}

	msg, err := provider.ParseMessage(raw)
	if err != nil {
		return nil, fmt.Errorf("message UID %d: %w", ref.UID, err)
	}

	msg.Ref = ref
	msg.ReceivedAt = bufs[0].InternalDate.UTC()
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = ref.Date
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = ref.Date
	}
	if msg.MessageID == "" {
		msg.MessageID = ref.MessageID
	}
	return msg, nil
}

// ListAttachments harvests attachments from the message's MIME tree.
func (p *Provider) ListAttachments(_ context.Context, msg *provider.Message) ([]provider.Attachment, error) {
	if msg.Root == nil {
		return nil, nil
	}
	return provider.AttachmentsFromParts(mime.Collect(msg.Root)), nil
}

// AppendMessage uploads msg.Raw to folder, marked as seen.
func (p *Provider) AppendMessage(ctx context.Context, folder string, msg *provider.Message) error {
	if len(msg.Raw) == 0 {
		return fmt.Errorf("append to %s: message has no raw content", folder)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureSelectedLocked(ctx, folder, true); err != nil {
		return err
	}

	date := msg.ReceivedAt
	if date.IsZero() {
		date = msg.SentAt
	}

	client := p.client
	err := p.await(ctx, func() error {
		cmd := client.Append(folder, int64(len(msg.Raw)), &imap.AppendOptions{
			Flags: []imap.Flag{imap.FlagSeen},
			Time:  date,
		})
		if _, err := cmd.Write(msg.Raw); err != nil {
			_ = cmd.Close()
			return err
		}
		if err := cmd.Close(); err != nil {
			return err
		}
		_, err := cmd.Wait()
		return err
	})
	if err != nil {
		return fmt.Errorf("appending to %s: %w", folder, err)
	}
	return nil
}

// FlagForDeletion marks refs \Deleted and expunges exactly those UIDs.
func (p *Provider) FlagForDeletion(
	ctx context.Context,
	folder provider.Folder,
	refs []provider.MessageRef,
) error {
	if len(refs) == 0 {
		return nil
	}

	uids := make([]imap.UID, 0, len(refs))
	for _, r := range refs {
		uids = append(uids, imap.UID(r.UID))
	}
	set := imap.UIDSetNum(uids...)

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureSelectedLocked(ctx, folder.ID, true); err != nil {
		return err
	}

	client := p.client
	err := p.await(ctx, func() error {
		store := &imap.StoreFlags{
			Op:     imap.StoreFlagsAdd,
			Silent: true,
			Flags:  []imap.Flag{imap.FlagDeleted},
		}
		if err := client.Store(set, store, nil).Close(); err != nil {
			return fmt.Errorf("imap store delete: %w", err)
		}
		if err := client.UIDExpunge(set).Close(); err != nil {
			return fmt.Errorf("imap expunge: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("deleting %d messages from %s: %w", len(refs), folder.ID, err)
	}
	return nil
}
