// Package graph implements provider.Provider over a Microsoft
// Graph-shaped paginated REST API.
package graph

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nhle/mail-archiver/internal/mime"
	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/provider"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	defaultScope   = "https://graph.microsoft.com/.default"

	sentItemsID = "sentitems"
)

// Field selections for the message listing ladder.
const (
	fullSelect    = "id,internetMessageId,subject,from,toRecipients,receivedDateTime,sentDateTime,hasAttachments"
	reducedSelect = "id,internetMessageId,receivedDateTime"
	bodySelect    = fullSelect + ",ccRecipients,bccRecipients,body"
)

// rung is one step of the query degradation ladder.
type rung struct {
	serverFilter bool
	sel          string
}

var ladder = []rung{
	{serverFilter: true, sel: fullSelect},
	{serverFilter: true, sel: reducedSelect},
	{serverFilter: false, sel: reducedSelect},
}

// Provider is a stateless REST session for one account. A fresh
// Provider acquires a fresh token; tokens are never shared across jobs.
type Provider struct {
	acct   model.Account
	secret string
	opts   provider.Options
	log    zerolog.Logger

	mu     sync.Mutex
	client *Client
	rung   int
	sentID string
}

// New is the provider.Builder for graph accounts.
func New(acct model.Account, secret string, opts provider.Options) (provider.Provider, error) {
	return NewProvider(acct, secret, opts)
}

// NewProvider validates the account and returns an unconnected session.
func NewProvider(acct model.Account, secret string, opts provider.Options) (*Provider, error) {
	if acct.ClientID == "" || acct.Mailbox == "" {
		return nil, errors.New("graph account requires client_id and mailbox")
	}
	if acct.TenantID == "" && acct.TokenURL == "" {
		return nil, errors.New("graph account requires tenant_id or token_url")
	}
	if secret == "" {
		return nil, errors.New("graph account has no client secret")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &Provider{
		acct:   acct,
		secret: secret,
		opts:   opts,
		log:    opts.Logger,
	}, nil
}

// Kind implements provider.Provider.
func (p *Provider) Kind() model.AccountKind {
	return model.AccountKindGraph
}

// Connect acquires a bearer token so credential problems surface
// before any folder work starts.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return nil
	}
	return p.connectLocked(ctx)
}

// Reconnect discards the cached token and acquires a new one.
func (p *Provider) Reconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.log.Warn().Msg("Refreshing Graph token")
	p.client = nil
	return p.connectLocked(ctx)
}

// Close forgets the token.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.client = nil
	return nil
}

func (p *Provider) connectLocked(ctx context.Context) error {
	tokenURL := p.acct.TokenURL
	if tokenURL == "" {
		tokenURL = "https://login.microsoftonline.com/" + url.PathEscape(p.acct.TenantID) + "/oauth2/v2.0/token"
	}
	cfg := clientcredentials.Config{
		ClientID:     p.acct.ClientID,
		ClientSecret: p.secret,
		TokenURL:     tokenURL,
		Scopes:       []string{defaultScope},
	}

	httpClient := p.tokenHTTPClient()

	// The first exchange is bound to ctx; later refreshes run on the
	// token source's own context, bounded by the client timeout.
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	if p.opts.OperationTimeout > 0 {
		var cancel context.CancelFunc
		exchangeCtx, cancel = context.WithTimeout(exchangeCtx, p.opts.OperationTimeout)
		defer cancel()
	}
	tok, err := cfg.Token(exchangeCtx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return tokenError(err)
	}
	refreshCtx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
	tokens := oauth2.ReuseTokenSource(tok, cfg.TokenSource(refreshCtx))

	baseURL := p.acct.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	p.client = NewClient(baseURL, tokens, p.opts.HTTPClient, p.opts.OperationTimeout)
	p.log.Debug().Str("mailbox", p.acct.Mailbox).Msg("Acquired Graph token")
	return nil
}

// tokenHTTPClient returns the client used against the token endpoint,
// always carrying the operation timeout.
func (p *Provider) tokenHTTPClient() *http.Client {
	var c http.Client
	if p.opts.HTTPClient != nil {
		c = *p.opts.HTTPClient
	}
	if c.Timeout == 0 || (p.opts.OperationTimeout > 0 && c.Timeout > p.opts.OperationTimeout) {
		c.Timeout = p.opts.OperationTimeout
	}
	return &c
}

func (p *Provider) session(ctx context.Context) (*Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		if err := p.connectLocked(ctx); err != nil {
			return nil, err
		}
	}
	return p.client, nil
}

func (p *Provider) userPath(suffix string) string {
	return "/users/" + url.PathEscape(p.acct.Mailbox) + suffix
}

// get runs one GET with a single reconnect-and-retry on transient failure.
func (p *Provider) get(ctx context.Context, path string, result any) error {
	return provider.Retry(ctx, p, func() error {
		c, err := p.session(ctx)
		if err != nil {
			return err
		}
		return c.Get(ctx, path, result)
	})
}

// ListFolders walks the folder tree depth-first with an explicit stack.
// Names are full paths joined with "/".
func (p *Provider) ListFolders(ctx context.Context) ([]provider.Folder, error) {
	sentID := p.sentFolderID(ctx)

	type pending struct {
		path   string
		prefix string
	}
	stack := []pending{{path: p.userPath("/mailFolders?$top=" + strconv.Itoa(p.opts.PageSize))}}

	var folders []provider.Folder
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		next := cur.path
		for next != "" {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			var page folderPage
			if err := p.get(ctx, next, &page); err != nil {
				return nil, fmt.Errorf("listing mail folders: %w", err)
			}

			for _, f := range page.Value {
				name := f.DisplayName
				if cur.prefix != "" {
					name = cur.prefix + "/" + f.DisplayName
				}
				folders = append(folders, provider.Folder{
					ID:         f.ID,
					Name:       name,
					Delimiter:  "/",
					Selectable: true,
					SentHint:   sentID != "" && f.ID == sentID,
				})
				if f.ChildFolderCount > 0 {
					stack = append(stack, pending{
						path:   p.userPath("/mailFolders/" + url.PathEscape(f.ID) + "/childFolders?$top=" + strconv.Itoa(p.opts.PageSize)),
						prefix: name,
					})
				}
			}
			next = page.NextLink
		}
	}
	return folders, nil
}

// sentFolderID resolves the well-known sent-items folder once. Failure
// only loses the hint; name matching still applies.
func (p *Provider) sentFolderID(ctx context.Context) string {
	p.mu.Lock()
	cached := p.sentID
	p.mu.Unlock()
	if cached != "" {
		return cached
	}

	var f mailFolder
	if err := p.get(ctx, p.userPath("/mailFolders/"+sentItemsID), &f); err != nil {
		p.log.Debug().Err(err).Msg("Could not resolve sent items folder")
		return ""
	}

	p.mu.Lock()
	p.sentID = f.ID
	p.mu.Unlock()
	return f.ID
}

// FetchSince lists messages received at or after the window bound,
// degrading the query when the server rejects it.
func (p *Provider) FetchSince(
	ctx context.Context,
	folder provider.Folder,
	w provider.Window,
	fn provider.PageFunc,
) error {
	if w.Since.IsZero() {
		return p.drain(ctx, folder.ID, p.messagesPath(folder.ID, fullSelect, ""), nil, fn)
	}

	since := w.Since.UTC()
	keep := func(m message) bool { return !m.ReceivedDateTime.Before(since) }
	if w.Initial {
		// Never lose history to a client-side bound on a first sync.
		keep = nil
	}
	return p.descend(ctx, folder.ID, "receivedDateTime ge "+formatTime(since), keep, fn)
}

// FetchBefore lists messages received strictly before cutoff.
func (p *Provider) FetchBefore(
	ctx context.Context,
	folder provider.Folder,
	cutoff time.Time,
	fn provider.PageFunc,
) error {
	cutoff = cutoff.UTC()
	keep := func(m message) bool {
		return !m.ReceivedDateTime.IsZero() && m.ReceivedDateTime.Before(cutoff)
	}
	return p.descend(ctx, folder.ID, "receivedDateTime lt "+formatTime(cutoff), keep, fn)
}

// descend walks the ladder from the last rung that worked. keep is the
// client-side filter applied on the unfiltered rung; nil keeps everything.
func (p *Provider) descend(
	ctx context.Context,
	folderID string,
	filter string,
	keep func(message) bool,
	fn provider.PageFunc,
) error {
	p.mu.Lock()
	start := p.rung
	p.mu.Unlock()

	for i := start; i < len(ladder); i++ {
		r := ladder[i]
		path := p.messagesPath(folderID, r.sel, "")
		var clientFilter func(message) bool
		if r.serverFilter {
			path = p.messagesPath(folderID, r.sel, filter)
		} else {
			clientFilter = keep
		}

		var first messagePage
		err := p.get(ctx, path, &first)
		if err != nil && isRejected(err) && i < len(ladder)-1 {
			p.log.Warn().Err(err).Int("rung", i+1).Str("folder", folderID).
				Msg("Message query rejected, degrading")
			p.mu.Lock()
			if p.rung < i+1 {
				p.rung = i + 1
			}
			p.mu.Unlock()
			continue
		}
		if err != nil {
			return fmt.Errorf("listing messages in %s: %w", folderID, err)
		}
		return p.deliver(ctx, folderID, first, clientFilter, fn)
	}
	return nil
}

// drain lists path without a ladder.
func (p *Provider) drain(
	ctx context.Context,
	folderID string,
	path string,
	keep func(message) bool,
	fn provider.PageFunc,
) error {
	var first messagePage
	if err := p.get(ctx, path, &first); err != nil {
		return fmt.Errorf("listing messages in %s: %w", folderID, err)
	}
	return p.deliver(ctx, folderID, first, keep, fn)
}

// deliver hands page and its successors to fn, following next links and
// checking for cancellation between pages.
func (p *Provider) deliver(
	ctx context.Context,
	folderID string,
	page messagePage,
	keep func(message) bool,
	fn provider.PageFunc,
) error {
	for {
		refs := make([]provider.MessageRef, 0, len(page.Value))
		for _, m := range page.Value {
			if keep != nil && !keep(m) {
				continue
			}
			refs = append(refs, refFromMessage(folderID, m))
		}
		if len(refs) > 0 {
			if err := fn(refs); err != nil {
				return err
			}
		}

		if page.NextLink == "" {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		next := page.NextLink
		page = messagePage{}
		if err := p.get(ctx, next, &page); err != nil {
			return fmt.Errorf("listing messages in %s: %w", folderID, err)
		}
	}
}

func (p *Provider) messagesPath(folderID, sel, filter string) string {
	q := url.Values{}
	q.Set("$select", sel)
	q.Set("$top", strconv.Itoa(p.opts.PageSize))
	if filter != "" {
		q.Set("$filter", filter)
		q.Set("$orderby", "receivedDateTime asc")
	}
	return p.userPath("/mailFolders/" + url.PathEscape(folderID) + "/messages?" + q.Encode())
}

func refFromMessage(folderID string, m message) provider.MessageRef {
	return provider.MessageRef{
		Folder:    folderID,
		ID:        m.ID,
		MessageID: m.messageID(),
		Subject:   m.Subject,
		From:      m.from(),
		To:        addresses(m.ToRecipients),
		Date:      m.date(),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// FetchFull loads the message metadata and, when the server provides
// it, the MIME source. Without MIME the structured body is used.
func (p *Provider) FetchFull(ctx context.Context, ref provider.MessageRef) (*provider.Message, error) {
	base := p.userPath("/messages/" + url.PathEscape(ref.ID))

	var meta message
	if err := p.get(ctx, base+"?$select="+bodySelect, &meta); err != nil {
		return nil, fmt.Errorf("fetching message %s: %w", ref.ID, err)
	}

	raw, err := provider.WithReconnect(ctx, p, func() ([]byte, error) {
		c, err := p.session(ctx)
		if err != nil {
			return nil, err
		}
		return c.Raw(ctx, base+"/$value")
	})
	if err != nil && (provider.IsAuthError(err) || ctx.Err() != nil) {
		return nil, fmt.Errorf("fetching MIME for %s: %w", ref.ID, err)
	}

	var msg *provider.Message
	if err == nil && len(raw) > 0 {
		parsed, perr := provider.ParseMessage(raw)
		if perr != nil {
			p.log.Warn().Err(perr).Str("message", ref.ID).Msg("Unparseable MIME, using structured body")
		} else {
			msg = parsed
		}
	} else if err != nil {
		p.log.Debug().Err(err).Str("message", ref.ID).Msg("MIME source unavailable")
	}

	if msg == nil {
		msg = messageFromMeta(meta)
	}

	msg.Ref = ref
	msg.ReceivedAt = meta.ReceivedDateTime.UTC()
	if msg.SentAt.IsZero() {
		msg.SentAt = meta.date()
	}
	if msg.MessageID == "" {
		msg.MessageID = meta.messageID()
	}
	return msg, nil
}

func messageFromMeta(m message) *provider.Message {
	msg := &provider.Message{
		MessageID: m.messageID(),
		Subject:   m.Subject,
		From:      m.from(),
		To:        addresses(m.ToRecipients),
		Cc:        addresses(m.CcRecipients),
		Bcc:       addresses(m.BccRecipients),
		SentAt:    m.SentDateTime.UTC(),
	}
	if m.Body != nil {
		if strings.EqualFold(m.Body.ContentType, "html") {
			msg.HTMLBody = m.Body.Content
		} else {
			msg.TextBody = m.Body.Content
		}
	}
	return msg
}

// ListAttachments harvests from the MIME tree when one was downloaded,
// and otherwise from the attachments endpoint. Item and reference
// attachments carry no bytes and are skipped.
func (p *Provider) ListAttachments(ctx context.Context, msg *provider.Message) ([]provider.Attachment, error) {
	if msg.Root != nil {
		return provider.AttachmentsFromParts(mime.Collect(msg.Root)), nil
	}
	if msg.Ref.ID == "" {
		return nil, nil
	}

	var out []provider.Attachment
	next := p.userPath("/messages/" + url.PathEscape(msg.Ref.ID) + "/attachments")
	for next != "" {
		var page attachmentPage
		if err := p.get(ctx, next, &page); err != nil {
			return nil, fmt.Errorf("listing attachments of %s: %w", msg.Ref.ID, err)
		}
		for _, a := range page.Value {
			if a.ODataType != "" && a.ODataType != fileAttachmentType {
				continue
			}
			out = append(out, provider.Attachment{
				Filename:    a.Name,
				ContentType: a.ContentType,
				ContentID:   strings.Trim(a.ContentID, "<>"),
				Inline:      a.IsInline,
				Content:     a.ContentBytes,
			})
		}
		next = page.NextLink
	}
	return out, nil
}

// AppendMessage uploads msg.Raw as a new message in folder. folder is
// matched against folder ids, then display paths, and is otherwise
// passed through as a well-known folder name.
func (p *Provider) AppendMessage(ctx context.Context, folder string, msg *provider.Message) error {
	if len(msg.Raw) == 0 {
		return fmt.Errorf("append to %s: message has no raw content", folder)
	}

	folderID, err := p.resolveFolder(ctx, folder)
	if err != nil {
		return err
	}

	payload := []byte(base64.StdEncoding.EncodeToString(msg.Raw))
	path := p.userPath("/mailFolders/" + url.PathEscape(folderID) + "/messages")
	return provider.Retry(ctx, p, func() error {
		c, err := p.session(ctx)
		if err != nil {
			return err
		}
		if err := c.Post(ctx, path, "text/plain", payload, nil); err != nil {
			return fmt.Errorf("appending to %s: %w", folder, err)
		}
		return nil
	})
}

func (p *Provider) resolveFolder(ctx context.Context, name string) (string, error) {
	folders, err := p.ListFolders(ctx)
	if err != nil {
		return "", err
	}
	for _, f := range folders {
		if f.ID == name {
			return f.ID, nil
		}
	}
	for _, f := range folders {
		if strings.EqualFold(f.Name, name) {
			return f.ID, nil
		}
	}
	return name, nil
}

// FlagForDeletion deletes each message. Messages already gone count as
// deleted.
func (p *Provider) FlagForDeletion(
	ctx context.Context,
	folder provider.Folder,
	refs []provider.MessageRef,
) error {
	var errs []error
	for _, ref := range refs {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := p.userPath("/messages/" + url.PathEscape(ref.ID))
		err := provider.Retry(ctx, p, func() error {
			c, err := p.session(ctx)
			if err != nil {
				return err
			}
			return c.Delete(ctx, path)
		})
		if err != nil && !isNotFound(err) {
			errs = append(errs, fmt.Errorf("deleting %s from %s: %w", ref.ID, folder.Name, err))
		}
	}
	return errors.Join(errs...)
}
