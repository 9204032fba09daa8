package provider

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mail-archiver/internal/model"
)

// Options are transport settings shared by every implementation.
type Options struct {
	OperationTimeout time.Duration
	PageSize         int
	HTTPClient       *http.Client
	Logger           zerolog.Logger
}

// Builder constructs a Provider for an account whose secret was already
// resolved.
type Builder func(acct model.Account, secret string, opts Options) (Provider, error)

// SecretResolver turns an account secret reference into the secret.
type SecretResolver func(ref string) (string, error)

// Factory picks the Provider implementation registered for an account's kind.
type Factory struct {
	mu       sync.RWMutex
	builders map[model.AccountKind]Builder
	resolve  SecretResolver
	opts     Options
}

// NewFactory returns an empty factory. Implementations are added with
// Register.
func NewFactory(resolve SecretResolver, opts Options) *Factory {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 5 * time.Minute
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	return &Factory{
		builders: make(map[model.AccountKind]Builder),
		resolve:  resolve,
		opts:     opts,
	}
}

// Register installs the builder for kind, replacing any previous one.
func (f *Factory) Register(kind model.AccountKind, b Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builders[kind] = b
}

// New builds an unconnected Provider for acct.
func (f *Factory) New(acct model.Account) (Provider, error) {
	f.mu.RLock()
	b, ok := f.builders[acct.Kind]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no provider registered for kind %q", acct.Kind)
	}

	secret := ""
	if f.resolve != nil && acct.SecretRef != "" {
		s, err := f.resolve(acct.SecretRef)
		if err != nil {
			return nil, fmt.Errorf("resolving secret for account %s: %w", acct.ID, err)
		}
		secret = s
	}

	opts := f.opts
	opts.Logger = f.opts.Logger.With().
		Str("account", acct.ID).
		Str("kind", string(acct.Kind)).
		Logger()

	p, err := b(acct, secret, opts)
	if err != nil {
		return nil, fmt.Errorf("building %s provider for %s: %w", acct.Kind, acct.ID, err)
	}
	return p, nil
}
