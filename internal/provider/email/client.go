package email

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mail-archiver/internal/model"
)

// imapClient is the subset of *imapclient.Client the provider drives.
type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	State() imap.ConnState
	Noop() commandWaiter
	List(ref, pattern string, options *imap.ListOptions) listWaiter
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	UIDExpunge(uids imap.UIDSet) expungeWaiter
	Append(mailbox string, size int64, options *imap.AppendOptions) appendWriter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type listWaiter interface {
	Collect() ([]*imap.ListData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }
type appendWriter interface {
	io.Writer
	Close() error
	Wait() (*imap.AppendData, error)
}

const dialTimeout = 30 * time.Second

// dial opens a connection according to the account's TLS mode.
func dial(acct model.Account) (imapClient, error) {
	if acct.Host == "" {
		return nil, fmt.Errorf("imap account %s missing host", acct.ID)
	}

	addr := net.JoinHostPort(acct.Host, strconv.Itoa(acct.Port))
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: dialTimeout}}

	var (
		client *imapclient.Client
		err    error
	)
	switch acct.TLS {
	case model.TLSStart:
		client, err = imapclient.DialStartTLS(addr, opts)
	case model.TLSNone:
		client, err = imapclient.DialInsecure(addr, opts)
	default:
		client, err = imapclient.DialTLS(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	return &imapClientWrapper{Client: client}, nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Noop() commandWaiter   { return w.Client.Noop() }
func (w *imapClientWrapper) List(ref, pattern string, options *imap.ListOptions) listWaiter {
	return w.Client.List(ref, pattern, options)
}
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) UIDExpunge(uids imap.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}
func (w *imapClientWrapper) Append(mailbox string, size int64, options *imap.AppendOptions) appendWriter {
	return w.Client.Append(mailbox, size, options)
}
