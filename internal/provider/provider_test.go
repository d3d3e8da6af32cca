package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/yourorg/blocksync/internal/blocklist"
)

func authServer(t *testing.T, calls *atomic.Int64, token string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "apiKey=sekrit&space=BSA", string(body))
		fmt.Fprintf(w, `{"id_token":%q}`, token)
	}))
}

func newTestCredential(t *testing.T, authURL string) *Credential {
	t.Helper()
	cred, err := NewCredential(CredentialConfig{
		AuthURL:       authURL,
		BodyTemplate:  "apiKey={API_KEY}&space=BSA",
		APIKey:        "sekrit",
		TokenLifetime: 30 * time.Minute,
	})
	require.NoError(t, err)
	return cred
}

func TestNewCredentialValidation(t *testing.T) {
	base := CredentialConfig{
		AuthURL:       "https://auth.test",
		BodyTemplate:  "apiKey={API_KEY}",
		APIKey:        "k",
		TokenLifetime: time.Minute,
	}

	_, err := NewCredential(base)
	assert.NoError(t, err)

	bad := base
	bad.BodyTemplate = "apiKey=fixed"
	_, err = NewCredential(bad)
	assert.ErrorContains(t, err, "{API_KEY}")

	bad = base
	bad.TokenLifetime = 10 * time.Second
	_, err = NewCredential(bad)
	assert.ErrorContains(t, err, "refresh margin")

	bad = base
	bad.APIKey = ""
	_, err = NewCredential(bad)
	assert.ErrorContains(t, err, "API key")
}

func TestTokenFetchesOnFirstUse(t *testing.T) {
	var calls atomic.Int64
	srv := authServer(t, &calls, "tok-1")
	defer srv.Close()

	cred := newTestCredential(t, srv.URL)
	tok, err := cred.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int64(1), calls.Load())

	// Cached within the effective lifetime.
	tok, err = cred.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.Equal(t, int64(1), calls.Load())
}

func TestTokenRefreshesAfterEffectiveLifetime(t *testing.T) {
	var calls atomic.Int64
	srv := authServer(t, &calls, "tok-fresh")
	defer srv.Close()

	cred := newTestCredential(t, srv.URL)
	now := time.Now()
	cred.now = func() time.Time { return now }

	_, err := cred.Token(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), calls.Load())

	// Just inside the effective lifetime (30m - 30s margin): cached.
	now = now.Add(30*time.Minute - 31*time.Second)
	_, err = cred.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), calls.Load())

	// Past it: refreshed.
	now = now.Add(2 * time.Second)
	_, err = cred.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestTokenSingleFlightAcrossCallers(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		io.WriteString(w, `{"id_token":"tok"}`)
	}))
	defer srv.Close()

	cred := newTestCredential(t, srv.URL)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok, err := cred.Token(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, "tok", tok)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), calls.Load())
}

func TestTokenFailuresArePermanent(t *testing.T) {
	for name, handler := range map[string]http.HandlerFunc{
		"http error":  func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusForbidden) },
		"empty token": func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, `{"id_token":""}`) },
		"bad json":    func(w http.ResponseWriter, r *http.Request) { io.WriteString(w, `nope`) },
	} {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(handler)
			defer srv.Close()
			cred := newTestCredential(t, srv.URL)
			_, err := cred.Token(context.Background())
			require.Error(t, err)
			assert.False(t, IsRetriable(err))
		})
	}
}

func TestFetcher(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/auth") {
			io.WriteString(w, `{"id_token":"tok"}`)
			return
		}
		calls.Add(1)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set(ChecksumHeader, "ABCDEF0123")
		io.WriteString(w, "example,101\nfoo,102;103\n")
	}))
	defer srv.Close()

	cred := newTestCredential(t, srv.URL+"/auth")
	f := NewFetcher(cred, map[blocklist.ListType]string{
		blocklist.ListBlock: srv.URL + "/block",
	}, nil, NewRetrier(3, zap.NewNop()), zap.NewNop())

	list, err := f.Fetch(context.Background(), blocklist.ListBlock)
	require.NoError(t, err)
	defer list.Close()

	assert.Equal(t, blocklist.ListBlock, list.Type())
	assert.Equal(t, "abcdef0123", list.Checksum(), "advertised checksum is lowercased")

	var sb strings.Builder
	n, err := list.ConsumeAll(&sb)
	require.NoError(t, err)
	assert.Equal(t, int64(len("example,101\nfoo,102;103\n")), n)
	assert.Equal(t, "example,101\nfoo,102;103\n", sb.String())

	assert.NoError(t, list.Close())
	assert.NoError(t, list.Close(), "close is idempotent")

	_, err = f.Fetch(context.Background(), blocklist.ListBlockPlus)
	require.Error(t, err, "unconfigured list")
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/auth") {
			io.WriteString(w, `{"id_token":"tok"}`)
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set(ChecksumHeader, "aa")
		io.WriteString(w, "x,1\n")
	}))
	defer srv.Close()

	cred := newTestCredential(t, srv.URL+"/auth")
	retrier := Retrier{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	f := NewFetcher(cred, map[blocklist.ListType]string{blocklist.ListBlock: srv.URL + "/block"}, nil, retrier, zap.NewNop())

	list, err := f.Fetch(context.Background(), blocklist.ListBlock)
	require.NoError(t, err)
	defer list.Close()
	assert.Equal(t, int64(3), calls.Load())
}

func TestFetchMissingChecksumIsPermanent(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/auth") {
			io.WriteString(w, `{"id_token":"tok"}`)
			return
		}
		calls.Add(1)
		io.WriteString(w, "x,1\n")
	}))
	defer srv.Close()

	cred := newTestCredential(t, srv.URL+"/auth")
	retrier := Retrier{Attempts: 3, BaseDelay: time.Millisecond}
	f := NewFetcher(cred, map[blocklist.ListType]string{blocklist.ListBlock: srv.URL + "/block"}, nil, retrier, zap.NewNop())

	_, err := f.Fetch(context.Background(), blocklist.ListBlock)
	require.Error(t, err)
	assert.False(t, IsRetriable(err))
	assert.Equal(t, int64(1), calls.Load(), "permanent errors are not retried")
}

func reporterHarness(t *testing.T, status func(int) int) (*Reporter, *[]string, func()) {
	t.Helper()
	var mu sync.Mutex
	bodies := &[]string{}
	var n int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/auth") {
			io.WriteString(w, `{"id_token":"tok"}`)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		n++
		code := status(n)
		if code < 300 {
			*bodies = append(*bodies, r.URL.Path+" "+string(body))
		}
		mu.Unlock()
		w.WriteHeader(code)
	}))
	cred := newTestCredential(t, srv.URL+"/auth")
	retrier := Retrier{Attempts: 3, BaseDelay: time.Millisecond}
	rep := NewReporter(cred, srv.URL+"/orders", srv.URL+"/unblockables", nil, retrier, zap.NewNop())
	return rep, bodies, srv.Close
}

func TestReportOrders(t *testing.T) {
	rep, bodies, done := reporterHarness(t, func(int) int { return 200 })
	defer done()

	orders := []blocklist.Order{
		{ID: 1, Type: blocklist.OrderCreate},
		{ID: 2, Type: blocklist.OrderDelete},
	}

	payload, err := rep.ReportOrdersInProgress(context.Background(), orders)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"blockOrderId":1,"status":"ActivationInProgress"},{"blockOrderId":2,"status":"ReleaseInProgress"}]`, string(payload))

	payload, err = rep.ReportOrdersCompleted(context.Background(), orders)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"blockOrderId":1,"status":"Active"},{"blockOrderId":2,"status":"Closed"}]`, string(payload))

	require.Len(t, *bodies, 2)
	assert.True(t, strings.HasPrefix((*bodies)[0], "/orders "))

	// No orders, no request.
	payload, err = rep.ReportOrdersInProgress(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.Len(t, *bodies, 2)
}

func TestAddUnblockableDomainsGroupsByReason(t *testing.T) {
	rep, bodies, done := reporterHarness(t, func(int) int { return 200 })
	defer done()

	sent, err := rep.AddUnblockableDomains(context.Background(), []blocklist.UnblockableDomain{
		{Label: "a", TLD: "com", Reason: blocklist.ReasonRegistered},
		{Label: "b", TLD: "dev", Reason: blocklist.ReasonInvalid},
		{Label: "c", TLD: "com", Reason: blocklist.ReasonRegistered},
	})
	require.NoError(t, err)
	require.Len(t, sent, 2, "one request per reason")

	var first unblockablePayload
	require.NoError(t, json.Unmarshal(sent[0], &first))
	assert.Equal(t, "add", first.Action)
	assert.Equal(t, "INVALID", first.Reason, "reasons posted in sorted order")
	assert.Equal(t, []string{"b.dev"}, first.Domains)

	var second unblockablePayload
	require.NoError(t, json.Unmarshal(sent[1], &second))
	assert.Equal(t, "REGISTERED", second.Reason)
	assert.Equal(t, []string{"a.com", "c.com"}, second.Domains)

	assert.Len(t, *bodies, 2)
}

func TestRemoveUnblockableDomains(t *testing.T) {
	rep, _, done := reporterHarness(t, func(int) int { return 200 })
	defer done()

	sent, err := rep.RemoveUnblockableDomains(context.Background(), []blocklist.UnblockableDomain{
		{Label: "a", TLD: "com", Reason: blocklist.ReasonRegistered},
	})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.JSONEq(t, `{"action":"remove","domains":["a.com"]}`, string(sent[0]))
}

func TestReporterRetriesServerErrors(t *testing.T) {
	rep, bodies, done := reporterHarness(t, func(n int) int {
		if n == 1 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	})
	defer done()

	_, err := rep.ReportOrdersInProgress(context.Background(), []blocklist.Order{{ID: 5, Type: blocklist.OrderCreate}})
	require.NoError(t, err)
	assert.Len(t, *bodies, 1)
}

func TestRetrierStopsOnPermanent(t *testing.T) {
	var n int
	err := Retrier{Attempts: 5, BaseDelay: time.Millisecond}.Do(context.Background(), "op", func() error {
		n++
		return Permanent("op", errors.New("nope"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestRetrierBoundsAttempts(t *testing.T) {
	var n int
	err := Retrier{Attempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), "op", func() error {
		n++
		return Transient("op", errors.New("flaky"))
	})
	require.Error(t, err)
	assert.True(t, IsRetriable(err))
	assert.Equal(t, 3, n)
}

func TestRetrierHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retrier{Attempts: 3, BaseDelay: time.Hour}.Do(ctx, "op", func() error {
		return Transient("op", errors.New("flaky"))
	})
	assert.ErrorIs(t, err, context.Canceled)
}
