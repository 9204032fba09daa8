// Package providertest provides an in-memory provider.Provider for
// tests of code that drives mailboxes.
package providertest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nhle/mail-archiver/internal/mime"
	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/provider"
)

// Provider is an in-memory mailbox. Messages are kept per folder id in
// insertion order. All fields guarded by the mutex are read through
// accessor methods.
type Provider struct {
	KindValue model.AccountKind
	PageSize  int

	mu       sync.Mutex
	folders  []provider.Folder
	messages map[string][]*provider.Message
	nextUID  uint32

	// fetchErr fails FetchFull for the given message ids.
	fetchErr   map[string]error
	connectErr error
	listErr    error
	appendErr  error

	connects   int
	reconnects int
	closed     bool
	windows    []provider.Window
	appended   map[string][]*provider.Message
	deleted    map[string][]provider.MessageRef
	onFetch    func(ref provider.MessageRef)
}

// New returns an empty IMAP-kind mailbox.
func New() *Provider {
	return &Provider{
		KindValue: model.AccountKindIMAP,
		PageSize:  50,
		messages:  make(map[string][]*provider.Message),
		fetchErr:  make(map[string]error),
		appended:  make(map[string][]*provider.Message),
		deleted:   make(map[string][]provider.MessageRef),
	}
}

// Builder returns a provider.Builder that always yields p.
func (p *Provider) Builder() provider.Builder {
	return func(model.Account, string, provider.Options) (provider.Provider, error) {
		return p, nil
	}
}

// AddFolder registers a folder.
func (p *Provider) AddFolder(f provider.Folder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.Name == "" {
		f.Name = f.ID
	}
	p.folders = append(p.folders, f)
}

// AddMessage stores msg in folder and returns its reference. The
// folder is created selectable when it does not exist yet.
func (p *Provider) AddMessage(folder string, msg *provider.Message) provider.MessageRef {
	p.mu.Lock()
	defer p.mu.Unlock()

	known := false
	for _, f := range p.folders {
		if f.ID == folder {
			known = true
			break
		}
	}
	if !known {
		p.folders = append(p.folders, provider.Folder{ID: folder, Name: folder, Selectable: true})
	}

	p.nextUID++
	msg.Ref = provider.MessageRef{
		Folder:    folder,
		UID:       p.nextUID,
		ID:        fmt.Sprintf("%s/%d", folder, p.nextUID),
		MessageID: msg.MessageID,
		Subject:   msg.Subject,
		From:      msg.From,
		To:        msg.To,
		Date:      msg.EffectiveDate(),
		Size:      int64(len(msg.Raw)),
	}
	p.messages[folder] = append(p.messages[folder], msg)
	return msg.Ref
}

// FailFetch makes FetchFull of ref fail with err.
func (p *Provider) FailFetch(ref provider.MessageRef, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fetchErr[ref.ID] = err
}

// FailConnect makes Connect fail with err.
func (p *Provider) FailConnect(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// FailListFolders makes ListFolders fail with err.
func (p *Provider) FailListFolders(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listErr = err
}

// FailAppend makes AppendMessage fail with err.
func (p *Provider) FailAppend(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.appendErr = err
}

// OnFetch installs a hook called at the start of every FetchFull.
func (p *Provider) OnFetch(fn func(ref provider.MessageRef)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onFetch = fn
}

// Kind implements provider.Provider.
func (p *Provider) Kind() model.AccountKind { return p.KindValue }

// Connect implements provider.Provider.
func (p *Provider) Connect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connects++
	p.closed = false
	return p.connectErr
}

// Reconnect implements provider.Provider.
func (p *Provider) Reconnect(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reconnects++
	return p.connectErr
}

// Close implements provider.Provider.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// ListFolders implements provider.Provider.
func (p *Provider) ListFolders(context.Context) ([]provider.Folder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]provider.Folder(nil), p.folders...), nil
}

// FetchSince implements provider.Provider with exact timestamp filtering.
func (p *Provider) FetchSince(
	ctx context.Context,
	folder provider.Folder,
	w provider.Window,
	fn provider.PageFunc,
) error {
	p.mu.Lock()
	p.windows = append(p.windows, w)
	p.mu.Unlock()

	return p.page(ctx, folder.ID, func(m *provider.Message) bool {
		return w.Since.IsZero() || !m.EffectiveDate().Before(w.Since)
	}, fn)
}

// FetchBefore implements provider.Provider.
func (p *Provider) FetchBefore(
	ctx context.Context,
	folder provider.Folder,
	cutoff time.Time,
	fn provider.PageFunc,
) error {
	return p.page(ctx, folder.ID, func(m *provider.Message) bool {
		return m.EffectiveDate().Before(cutoff)
	}, fn)
}

func (p *Provider) page(
	ctx context.Context,
	folder string,
	keep func(*provider.Message) bool,
	fn provider.PageFunc,
) error {
	p.mu.Lock()
	var refs []provider.MessageRef
	for _, m := range p.messages[folder] {
		if keep(m) {
			refs = append(refs, m.Ref)
		}
	}
	size := max(p.PageSize, 1)
	p.mu.Unlock()

	for start := 0; start < len(refs); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(refs[start:min(start+size, len(refs))]); err != nil {
			return err
		}
	}
	return nil
}

// FetchFull implements provider.Provider. The returned message is a
// copy, so callers may modify it.
func (p *Provider) FetchFull(ctx context.Context, ref provider.MessageRef) (*provider.Message, error) {
	p.mu.Lock()
	hook := p.onFetch
	p.mu.Unlock()
	if hook != nil {
		hook(ref)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.fetchErr[ref.ID]; err != nil {
		return nil, err
	}
	for _, m := range p.messages[ref.Folder] {
		if m.Ref.ID == ref.ID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("message %s not found", ref.ID)
}

// ListAttachments implements provider.Provider.
func (p *Provider) ListAttachments(_ context.Context, msg *provider.Message) ([]provider.Attachment, error) {
	if msg.Root == nil {
		return nil, nil
	}
	return provider.AttachmentsFromParts(mime.Collect(msg.Root)), nil
}

// AppendMessage implements provider.Provider.
func (p *Provider) AppendMessage(_ context.Context, folder string, msg *provider.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.appendErr != nil {
		return p.appendErr
	}
	p.appended[folder] = append(p.appended[folder], msg)
	return nil
}

// FlagForDeletion implements provider.Provider and removes the messages.
func (p *Provider) FlagForDeletion(_ context.Context, folder provider.Folder, refs []provider.MessageRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	drop := make(map[string]bool, len(refs))
	for _, r := range refs {
		drop[r.ID] = true
	}
	kept := p.messages[folder.ID][:0]
	for _, m := range p.messages[folder.ID] {
		if !drop[m.Ref.ID] {
			kept = append(kept, m)
		}
	}
	p.messages[folder.ID] = kept
	p.deleted[folder.ID] = append(p.deleted[folder.ID], refs...)
	return nil
}

// Connects returns how many times Connect was called.
func (p *Provider) Connects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connects
}

// Reconnects returns how many times Reconnect was called.
func (p *Provider) Reconnects() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reconnects
}

// Closed reports whether Close was called after the last Connect.
func (p *Provider) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Windows returns every window passed to FetchSince.
func (p *Provider) Windows() []provider.Window {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Window(nil), p.windows...)
}

// Appended returns the messages appended to folder.
func (p *Provider) Appended(folder string) []*provider.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*provider.Message(nil), p.appended[folder]...)
}

// Deleted returns the ids flagged for deletion in folder, sorted.
func (p *Provider) Deleted(folder string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.deleted[folder]))
	for _, r := range p.deleted[folder] {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	return ids
}

// Remaining returns the number of messages still in folder.
func (p *Provider) Remaining(folder string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages[folder])
}

var _ provider.Provider = (*Provider)(nil)
