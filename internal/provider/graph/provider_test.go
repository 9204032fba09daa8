package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mail-archiver/internal/model"
	"github.com/nhle/mail-archiver/internal/provider"
)

const apiPrefix = "/v1.0/users/alice"

// fakeGraph is an httptest server speaking just enough of the token
// endpoint and mail API for the provider.
type fakeGraph struct {
	t   *testing.T
	srv *httptest.Server

	mu         sync.Mutex
	tokenCalls int
	tokenFail  bool
	requests   []*http.Request
	routes     map[string]http.HandlerFunc
}

func newFakeGraph(t *testing.T) *fakeGraph {
	t.Helper()
	g := &fakeGraph{t: t, routes: make(map[string]http.HandlerFunc)}
	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGraph) handle(path string, h http.HandlerFunc) {
	g.routes[apiPrefix+path] = h
}

func (g *fakeGraph) serve(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	if r.URL.Path == "/token" {
		g.tokenCalls++
		fail := g.tokenFail
		g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if fail {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"error":"invalid_client"}`)
			return
		}
		_, _ = io.WriteString(w, `{"access_token":"tok","token_type":"Bearer","expires_in":3600}`)
		return
	}
	g.requests = append(g.requests, r)
	h, ok := g.routes[r.URL.Path]
	g.mu.Unlock()

	assert.Equal(g.t, "Bearer tok", r.Header.Get("Authorization"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{
			"error": map[string]string{"code": "ErrorItemNotFound", "message": "not found"},
		})
		return
	}
	h(w, r)
}

func (g *fakeGraph) provider(t *testing.T) *Provider {
	t.Helper()
	p, err := NewProvider(model.Account{
		ID:       "o365",
		Kind:     model.AccountKindGraph,
		ClientID: "client",
		Mailbox:  "alice",
		BaseURL:  g.srv.URL + "/v1.0",
		TokenURL: g.srv.URL + "/token",
	}, "secret", provider.Options{
		PageSize:         2,
		OperationTimeout: 5 * time.Second,
		HTTPClient:       g.srv.Client(),
		Logger:           zerolog.Nop(),
	})
	require.NoError(t, err)
	return p
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func msgJSON(id string, received time.Time) map[string]any {
	return map[string]any{
		"id":                id,
		"internetMessageId": "<" + id + "@example.com>",
		"subject":           "subject " + id,
		"from":              map[string]any{"emailAddress": map[string]string{"address": "bob@example.com"}},
		"toRecipients":      []any{map[string]any{"emailAddress": map[string]string{"address": "alice@example.com"}}},
		"receivedDateTime":  received.Format(time.RFC3339),
	}
}

func collectIDs(refs *[]string) provider.PageFunc {
	return func(page []provider.MessageRef) error {
		for _, r := range page {
			*refs = append(*refs, r.ID)
		}
		return nil
	}
}

func TestNewProviderValidation(t *testing.T) {
	_, err := NewProvider(model.Account{Mailbox: "a", TenantID: "t"}, "s", provider.Options{})
	assert.Error(t, err)
	_, err = NewProvider(model.Account{ClientID: "c", Mailbox: "a"}, "s", provider.Options{})
	assert.Error(t, err)
	_, err = NewProvider(model.Account{ClientID: "c", Mailbox: "a", TenantID: "t"}, "", provider.Options{})
	assert.Error(t, err)
}

func TestConnectTokenFailureIsAuthError(t *testing.T) {
	g := newFakeGraph(t)
	g.tokenFail = true

	err := g.provider(t).Connect(context.Background())
	require.Error(t, err)
	assert.True(t, provider.IsAuthError(err))
}

func TestListFoldersWalksChildren(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("/mailFolders/sentitems", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "SENT", "displayName": "Sent Items"})
	})
	g.handle("/mailFolders", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, map[string]any{"value": []any{
				map[string]any{"id": "SENT", "displayName": "Sent Items"},
			}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"value": []any{
				map[string]any{"id": "INBOX", "displayName": "Inbox", "childFolderCount": 1},
			},
			"@odata.nextLink": g.srv.URL + apiPrefix + "/mailFolders?page=2",
		})
	})
	g.handle("/mailFolders/INBOX/childFolders", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"value": []any{
			map[string]any{"id": "PROJ", "displayName": "Projects"},
		}})
	})

	folders, err := g.provider(t).ListFolders(context.Background())
	require.NoError(t, err)

	byID := map[string]provider.Folder{}
	for _, f := range folders {
		byID[f.ID] = f
	}
	require.Len(t, byID, 3)
	assert.Equal(t, "Inbox/Projects", byID["PROJ"].Name)
	assert.True(t, byID["SENT"].SentHint)
	assert.False(t, byID["INBOX"].SentHint)
}

func TestFetchSinceFollowsNextLink(t *testing.T) {
	g := newFakeGraph(t)
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	g.handle("/mailFolders/INBOX/messages", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("skip") == "2" {
			writeJSON(w, http.StatusOK, map[string]any{"value": []any{msgJSON("m3", day)}})
			return
		}
		assert.Equal(t, "receivedDateTime ge 2024-02-01T00:00:00Z", r.URL.Query().Get("$filter"))
		assert.Equal(t, fullSelect, r.URL.Query().Get("$select"))
		writeJSON(w, http.StatusOK, map[string]any{
			"value":           []any{msgJSON("m1", day), msgJSON("m2", day)},
			"@odata.nextLink": g.srv.URL + apiPrefix + "/mailFolders/INBOX/messages?skip=2",
		})
	})

	var pages int
	var ids []string
	err := g.provider(t).FetchSince(context.Background(), provider.Folder{ID: "INBOX"},
		provider.Window{Since: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		func(refs []provider.MessageRef) error {
			pages++
			for _, r := range refs {
				assert.Equal(t, "INBOX", r.Folder)
				assert.Equal(t, r.ID+"@example.com", r.MessageID)
				assert.Equal(t, []string{"bob@example.com"}, r.From)
				ids = append(ids, r.ID)
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, 2, pages)
	assert.Equal(t, []string{"m1", "m2", "m3"}, ids)
}

// rejectingInbox refuses filtered queries and serves old and new
// messages to unfiltered ones.
func rejectingInbox(g *fakeGraph, old, recent time.Time) *[]string {
	var shapes []string
	g.handle("/mailFolders/INBOX/messages", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		shapes = append(shapes, q.Get("$select")+"|"+q.Get("$filter"))
		if q.Get("$filter") != "" {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": map[string]string{"code": "InefficientFilter", "message": "too complex"},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": []any{msgJSON("old", old), msgJSON("new", recent)}})
	})
	return &shapes
}

func TestFetchSinceDegradesThroughLadder(t *testing.T) {
	g := newFakeGraph(t)
	since := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	shapes := rejectingInbox(g, since.Add(-48*time.Hour), since.Add(time.Hour))
	p := g.provider(t)

	var ids []string
	err := p.FetchSince(context.Background(), provider.Folder{ID: "INBOX"},
		provider.Window{Since: since}, collectIDs(&ids))
	require.NoError(t, err)

	assert.Equal(t, []string{"new"}, ids)
	require.Len(t, *shapes, 3)
	assert.True(t, strings.HasPrefix((*shapes)[0], fullSelect+"|"))
	assert.True(t, strings.HasPrefix((*shapes)[1], reducedSelect+"|receivedDateTime ge"))
	assert.Equal(t, reducedSelect+"|", (*shapes)[2])

	// The provider remembers the working rung.
	ids = nil
	require.NoError(t, p.FetchSince(context.Background(), provider.Folder{ID: "INBOX"},
		provider.Window{Since: since}, collectIDs(&ids)))
	assert.Len(t, *shapes, 4)
}

func TestFetchSinceInitialSkipsClientFilter(t *testing.T) {
	g := newFakeGraph(t)
	since := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	rejectingInbox(g, since.Add(-48*time.Hour), since.Add(time.Hour))

	var ids []string
	err := g.provider(t).FetchSince(context.Background(), provider.Folder{ID: "INBOX"},
		provider.Window{Since: since, Initial: true}, collectIDs(&ids))
	require.NoError(t, err)
	assert.Equal(t, []string{"old", "new"}, ids)
}

func TestFetchBeforeFiltersStrictly(t *testing.T) {
	g := newFakeGraph(t)
	cutoff := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	rejectingInbox(g, cutoff.Add(-48*time.Hour), cutoff)

	var ids []string
	err := g.provider(t).FetchBefore(context.Background(), provider.Folder{ID: "INBOX"}, cutoff, collectIDs(&ids))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)
}

func TestThrottledRequestIsRetried(t *testing.T) {
	g := newFakeGraph(t)
	calls := 0
	g.handle("/mailFolders/INBOX/messages", func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": []any{msgJSON("m1", time.Now())}})
	})

	var ids []string
	err := g.provider(t).FetchSince(context.Background(), provider.Folder{ID: "INBOX"}, provider.Window{}, collectIDs(&ids))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []string{"m1"}, ids)
}

func TestUnauthorizedRefreshesTokenOnce(t *testing.T) {
	g := newFakeGraph(t)
	calls := 0
	g.handle("/mailFolders/INBOX/messages", func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"value": []any{}})
	})

	p := g.provider(t)
	require.NoError(t, p.Connect(context.Background()))
	err := p.FetchSince(context.Background(), provider.Folder{ID: "INBOX"}, provider.Window{}, collectIDs(new([]string)))
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 2, g.tokenCalls)
}

const mimeSource = "Message-ID: <m1@example.com>\r\n" +
	"From: bob@example.com\r\n" +
	"To: alice@example.com\r\n" +
	"Subject: With MIME\r\n" +
	"Date: Fri, 01 Mar 2024 10:00:00 +0000\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"Plain body\r\n"

func TestFetchFullPrefersMIMESource(t *testing.T) {
	g := newFakeGraph(t)
	received := time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC)
	g.handle("/messages/m1", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, msgJSON("m1", received))
	})
	g.handle("/messages/m1/$value", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, mimeSource)
	})

	ref := provider.MessageRef{Folder: "INBOX", ID: "m1"}
	msg, err := g.provider(t).FetchFull(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "With MIME", msg.Subject)
	assert.Contains(t, msg.TextBody, "Plain body")
	assert.Equal(t, received, msg.ReceivedAt)
	assert.NotNil(t, msg.Root)
	assert.Equal(t, ref, msg.Ref)
}

func TestFetchFullFallsBackToStructuredBody(t *testing.T) {
	g := newFakeGraph(t)
	received := time.Date(2024, 3, 1, 10, 0, 5, 0, time.UTC)
	g.handle("/messages/m1", func(w http.ResponseWriter, _ *http.Request) {
		m := msgJSON("m1", received)
		m["body"] = map[string]string{"contentType": "html", "content": "<p>Hello</p>"}
		writeJSON(w, http.StatusOK, m)
	})
	g.handle("/messages/m1/attachments", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"value": []any{
			map[string]any{
				"@odata.type":  fileAttachmentType,
				"name":         "a.txt",
				"contentType":  "text/plain",
				"contentBytes": base64.StdEncoding.EncodeToString([]byte("hi")),
			},
			map[string]any{"@odata.type": "#microsoft.graph.itemAttachment", "name": "forwarded"},
		}})
	})

	p := g.provider(t)
	msg, err := p.FetchFull(context.Background(), provider.MessageRef{Folder: "INBOX", ID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "<p>Hello</p>", msg.HTMLBody)
	assert.Equal(t, "m1@example.com", msg.MessageID)
	assert.Nil(t, msg.Root)

	atts, err := p.ListAttachments(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, atts, 1)
	assert.Equal(t, "a.txt", atts[0].Filename)
	assert.Equal(t, []byte("hi"), atts[0].Content)
}

func TestAppendMessagePostsBase64MIME(t *testing.T) {
	g := newFakeGraph(t)
	g.handle("/mailFolders/sentitems", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"id": "SENT"})
	})
	g.handle("/mailFolders", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"value": []any{
			map[string]any{"id": "ARCH", "displayName": "Archive"},
		}})
	})
	var body string
	g.handle("/mailFolders/ARCH/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		writeJSON(w, http.StatusCreated, map[string]any{"id": "new"})
	})

	err := g.provider(t).AppendMessage(context.Background(), "archive", &provider.Message{Raw: []byte(mimeSource)})
	require.NoError(t, err)

	decoded, err := base64.StdEncoding.DecodeString(body)
	require.NoError(t, err)
	assert.Equal(t, mimeSource, string(decoded))
}

func TestFlagForDeletionTreatsMissingAsDeleted(t *testing.T) {
	g := newFakeGraph(t)
	deleted := 0
	g.handle("/messages/m1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		deleted++
		w.WriteHeader(http.StatusNoContent)
	})

	refs := []provider.MessageRef{{ID: "m1"}, {ID: "gone"}}
	err := g.provider(t).FlagForDeletion(context.Background(), provider.Folder{ID: "INBOX", Name: "Inbox"}, refs)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
}

func TestRetryAfterDuration(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "7")
	assert.Equal(t, 7*time.Second, retryAfterDuration(h, 0))
	assert.Equal(t, 4*time.Second, retryAfterDuration(http.Header{}, 2))
	assert.Equal(t, 30*time.Second, retryAfterDuration(http.Header{}, 10))
}

// hangingTokenProvider points at a token endpoint that never answers.
func hangingTokenProvider(t *testing.T, timeout time.Duration) *Provider {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	p, err := NewProvider(model.Account{
		ID:       "o365",
		Kind:     model.AccountKindGraph,
		ClientID: "client",
		Mailbox:  "alice",
		BaseURL:  srv.URL + "/v1.0",
		TokenURL: srv.URL + "/token",
	}, "secret", provider.Options{
		OperationTimeout: timeout,
		HTTPClient:       srv.Client(),
		Logger:           zerolog.Nop(),
	})
	require.NoError(t, err)
	return p
}

func TestConnectHonorsCancellationDuringTokenExchange(t *testing.T) {
	p := hangingTokenProvider(t, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestConnectTokenExchangeBoundedByOperationTimeout(t *testing.T) {
	p := hangingTokenProvider(t, 200*time.Millisecond)

	start := time.Now()
	err := p.Connect(context.Background())
	require.Error(t, err)
	assert.False(t, provider.IsAuthError(err))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestTokenHTTPClientCarriesOperationTimeout(t *testing.T) {
	g := newFakeGraph(t)
	p := g.provider(t)

	c := p.tokenHTTPClient()
	assert.Equal(t, 5*time.Second, c.Timeout)
	assert.Equal(t, g.srv.Client().Transport, c.Transport)
	assert.Zero(t, g.srv.Client().Timeout)
}
