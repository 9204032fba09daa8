// Package email implements provider.Provider over IMAP.
package email

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/provider"
)

// idleProbeAfter is how long a connection may sit unused before a NOOP
// verifies it is still alive.
const idleProbeAfter = time.Minute

// Provider is a stateful IMAP session for one account. Its methods are
// safe for concurrent use; remote commands are serialized.
type Provider struct {
	acct     model.Account
	password string
	opts     provider.Options
	log      zerolog.Logger

	newClient func(model.Account) (imapClient, error)
	now       func() time.Time

	mu       sync.Mutex
	client   imapClient
	selected string
	readOnly bool
	lastUsed time.Time
}

// Option customizes a Provider.
type Option func(*Provider)

func withIMAPClientFactory(factory func(model.Account) (imapClient, error)) Option {
	return func(p *Provider) {
		p.newClient = factory
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// New is the provider.Builder for IMAP accounts.
func New(acct model.Account, secret string, opts provider.Options) (provider.Provider, error) {
	return NewProvider(acct, secret, opts)
}

// NewProvider validates the account and returns an unconnected session.
func NewProvider(
	acct model.Account,
	password string,
	opts provider.Options,
	options ...Option,
) (*Provider, error) {
	if acct.Host == "" {
		return nil, errors.New("imap account missing host")
	}
	if acct.Username == "" {
		return nil, errors.New("imap account missing username")
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Minute
	}

	p := &Provider{
		acct:      acct,
		password:  password,
		opts:      opts,
		log:       opts.Logger,
		newClient: dial,
		now:       time.Now,
	}
	for _, opt := range options {
		opt(p)
	}
	return p, nil
}

// Kind implements provider.Provider.
func (p *Provider) Kind() model.AccountKind {
	return model.AccountKindIMAP
}

// Connect dials and authenticates.
func (p *Provider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked(ctx)
}

// Reconnect closes the current session, if any, and connects again.
func (p *Provider) Reconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.log.Warn().Msg("Reconnecting to IMAP server")
	p.dropLocked()
	return p.connectLocked(ctx)
}

// Close logs out and releases the connection.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		return nil
	}
	client := p.client
	_ = p.await(context.Background(), func() error { return client.Logout().Wait() })
	p.dropLocked()
	return nil
}

func (p *Provider) connectLocked(ctx context.Context) error {
	if p.client != nil {
		return nil
	}

	client, err := p.dial(ctx)
	if err != nil {
		return fmt.Errorf("imap connect: %w", err)
	}

	if err := p.awaitOn(ctx, client, func() error {
		return client.Login(p.acct.Username, p.password).Wait()
	}); err != nil {
		_ = client.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &provider.AuthError{
			Kind:    model.AccountKindIMAP,
			Message: fmt.Sprintf("authentication failed for %s: %v", p.acct.Username, err),
		}
	}

	p.client = client
	p.selected = ""
	p.lastUsed = p.now()
	p.log.Debug().Str("host", p.acct.Host).Msg("Connected to IMAP server")
	return nil
}

type dialResult struct {
	client imapClient
	err    error
}

// dial opens a connection bounded by ctx and the operation timeout. A
// connection that completes after the caller gave up is closed.
func (p *Provider) dial(ctx context.Context) (imapClient, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	defer cancel()

	results := make(chan dialResult)
	abandoned := make(chan struct{})
	defer close(abandoned)

	go func() {
		c, err := p.newClient(p.acct)
		select {
		case results <- dialResult{client: c, err: err}:
		case <-abandoned:
			if c != nil {
				_ = c.Close()
			}
		}
	}()

	select {
	case r := <-results:
		return r.client, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("dial aborted: %w", ctx.Err())
	}
}

// dropLocked forgets the session without logging out.
func (p *Provider) dropLocked() {
	if p.client != nil {
		_ = p.client.Close()
	}
	p.client = nil
	p.selected = ""
}

// ensureConnectedLocked reconnects when the session is gone, logged out,
// or fails a NOOP after sitting idle.
func (p *Provider) ensureConnectedLocked(ctx context.Context) error {
	if p.client != nil {
		switch p.client.State() {
		case imap.ConnStateNone, imap.ConnStateLogout:
			p.log.Warn().Msg("IMAP session closed by server")
			p.dropLocked()
		}
	}

	if p.client != nil && p.now().Sub(p.lastUsed) > idleProbeAfter {
		client := p.client
		if err := p.await(ctx, func() error { return client.Noop().Wait() }); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warn().Err(err).Msg("Detected dead IMAP connection")
			p.dropLocked()
		}
	}

	if p.client == nil {
		return p.connectLocked(ctx)
	}
	return nil
}

// ensureSelectedLocked opens mailbox, switching to read-write access when
// a mutation follows. A read-write selection also serves reads.
func (p *Provider) ensureSelectedLocked(ctx context.Context, mailbox string, write bool) error {
	if err := p.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	if p.selected == mailbox && (!write || !p.readOnly) {
		return nil
	}

	client := p.client
	err := p.await(ctx, func() error {
		_, err := client.Select(mailbox, &imap.SelectOptions{ReadOnly: !write}).Wait()
		return err
	})
	if err != nil {
		p.selected = ""
		return fmt.Errorf("selecting %s: %w", mailbox, err)
	}

	p.selected = mailbox
	p.readOnly = !write
	return nil
}

// await runs op on the current client and bounds it by ctx and the
// operation timeout. On expiry the connection is closed so the blocked
// command returns, and the session is marked lost.
func (p *Provider) await(ctx context.Context, op func() error) error {
	return p.awaitOn(ctx, p.client, op)
}

func (p *Provider) awaitOn(ctx context.Context, client imapClient, op func() error) error {
	ctx, cancel := context.WithTimeout(ctx, p.opts.OperationTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- op() }()

	select {
	case err := <-done:
		p.lastUsed = p.now()
		return err
	case <-ctx.Done():
		if client != nil {
			_ = client.Close()
		}
		if client == p.client {
			p.client = nil
			p.selected = ""
		}
		return fmt.Errorf("imap operation aborted: %w", ctx.Err())
	}
}
