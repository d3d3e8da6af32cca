package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/yourorg/blocksync/internal/blocklist"
	"github.com/yourorg/blocksync/internal/metrics"
)

// ChecksumHeader carries the provider-advertised SHA-256 of a list body.
const ChecksumHeader = "X-Checksum"

// Fetcher downloads block lists, returning them as lazily consumed streams.
type Fetcher struct {
	cred    *Credential
	urls    map[blocklist.ListType]string
	http    *http.Client
	retrier Retrier
	log     *zap.Logger
}

// NewFetcher builds a Fetcher. client should have no global timeout: list
// bodies are large and consumed long after the request starts; cancel via
// context instead.
func NewFetcher(cred *Credential, urls map[blocklist.ListType]string, client *http.Client, retrier Retrier, log *zap.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	return &Fetcher{cred: cred, urls: urls, http: client, retrier: retrier, log: log}
}

// Fetch opens one list for download. The response body is not consumed
// here; the caller owns the returned LazyList and must close it.
func (f *Fetcher) Fetch(ctx context.Context, lt blocklist.ListType) (*LazyList, error) {
	url, ok := f.urls[lt]
	if !ok {
		return nil, Permanent("fetch", fmt.Errorf("no URL configured for list %s", lt))
	}
	op := "fetch " + string(lt)
	var list *LazyList
	err := f.retrier.Do(ctx, op, func() error {
		token, err := f.cred.Token(ctx)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return Permanent(op, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := f.http.Do(req)
		if err != nil {
			metrics.ProviderRequests.WithLabelValues("fetch", "error").Inc()
			return Transient(op, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			metrics.ProviderRequests.WithLabelValues("fetch", "error").Inc()
			return Transient(op, fmt.Errorf("unexpected status %s", resp.Status))
		}
		checksum := strings.ToLower(strings.TrimSpace(resp.Header.Get(ChecksumHeader)))
		if checksum == "" {
			resp.Body.Close()
			metrics.ProviderRequests.WithLabelValues("fetch", "error").Inc()
			return Permanent(op, fmt.Errorf("response carries no %s header", ChecksumHeader))
		}
		metrics.ProviderRequests.WithLabelValues("fetch", "ok").Inc()
		list = NewLazyList(lt, checksum, resp.Body)
		return nil
	})
	if err != nil {
		return nil, err
	}
	f.log.Info("list download open", zap.String("listType", string(lt)), zap.String("checksum", list.Checksum()))
	return list, nil
}

// LazyList is an open block-list download. The advertised checksum is
// available immediately; the body is streamed at most once.
type LazyList struct {
	listType blocklist.ListType
	checksum string
	body     io.ReadCloser
	once     sync.Once
}

// NewLazyList wraps an open list body. Exposed for tests of consumers.
func NewLazyList(lt blocklist.ListType, checksum string, body io.ReadCloser) *LazyList {
	return &LazyList{listType: lt, checksum: checksum, body: body}
}

// Type returns the list this download belongs to.
func (l *LazyList) Type() blocklist.ListType { return l.listType }

// Checksum returns the provider-advertised digest, lowercase hex.
func (l *LazyList) Checksum() string { return l.checksum }

// Read streams the raw body.
func (l *LazyList) Read(p []byte) (int, error) { return l.body.Read(p) }

// ConsumeAll copies the remaining body into w.
func (l *LazyList) ConsumeAll(w io.Writer) (int64, error) { return io.Copy(w, l.body) }

// Close releases the underlying stream. It is idempotent and never fails.
func (l *LazyList) Close() error {
	l.once.Do(func() { _ = l.body.Close() })
	return nil
}
