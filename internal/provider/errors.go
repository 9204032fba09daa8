package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/nhle/mail-archiver/internal/model"
)

// ErrNotConnected is returned by operations issued before Connect or
// after the session was lost.
var ErrNotConnected = errors.New("provider not connected")

// AuthError indicates that authentication has failed or expired for an
// account.
type AuthError struct {
	Kind    model.AccountKind
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Kind, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// transientMarkers are substrings of transport errors that a fresh
// connection usually cures.
var transientMarkers = []string{
	"connection reset",
	"broken pipe",
	"connection refused",
	"use of closed network connection",
	"i/o timeout",
	"unexpected eof",
	"connection closed",
	"connection lost",
	"not connected",
	"server closed",
	"bye",
	"tls: ",
}

// IsTransient reports whether err is worth one reconnect-and-retry:
// dropped connections, timeouts and authentication that expired mid-run.
// Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.DeadlineExceeded) || IsAuthError(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// WithReconnect runs op and, if it fails with a transient error, asks p
// to reconnect and runs op exactly once more.
func WithReconnect[T any](
	ctx context.Context,
	p Provider,
	op func() (T, error),
) (T, error) {
	v, err := op()
	if err == nil || !IsTransient(err) || ctx.Err() != nil {
		return v, err
	}

	if rerr := p.Reconnect(ctx); rerr != nil {
		var zero T
		return zero, fmt.Errorf("reconnecting after %v: %w", err, rerr)
	}
	return op()
}

// Retry is WithReconnect for operations without a result.
func Retry(ctx context.Context, p Provider, op func() error) error {
	_, err := WithReconnect(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}
