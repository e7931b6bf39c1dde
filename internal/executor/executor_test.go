package executor

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
	"github.com/JakeFAU/listings-crawler/internal/identity"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeFetcher struct {
	mu       sync.Mutex
	resp     crawler.FetchResponse
	err      error
	block    bool
	requests []crawler.FetchRequest
}

func (f *fakeFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return crawler.FetchResponse{}, ctx.Err()
	}
	return f.resp, f.err
}

var listingBody = []byte("<html><body><div class=\"listing\"><h1>3 bed house</h1>" +
	strings.Repeat("<p>spacious</p>", 60) + "</div></body></html>")

func newLease(t *testing.T, proxy string) (*identity.Pool, *identity.Lease) {
	t.Helper()
	pool, err := identity.New(identity.Config{}, fakeClock{now: time.Unix(1700000000, 0)}, nil, []crawler.Identity{{
		ID:            "id-1",
		ProxyEndpoint: proxy,
		Signature: crawler.ClientSignature{
			UserAgent: "Mozilla/5.0 test",
			Headers:   map[string]string{"Accept-Language": "en-US"},
		},
	}})
	require.NoError(t, err)
	lease, err := pool.Acquire("")
	require.NoError(t, err)
	return pool, lease
}

func newJob(url string) crawler.FetchJob {
	job := crawler.NewFetchJob("job-1", crawler.Target{Name: "t", URL: url}, crawler.TriggerManual, 3, time.Unix(1700000000, 0))
	job.AttemptCount = 1
	return job
}

func TestExecuteClassifiesResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		resp    crawler.FetchResponse
		err     error
		success bool
		kind    crawler.FailureKind
	}{
		{name: "ok", resp: crawler.FetchResponse{StatusCode: 200, Body: listingBody}, success: true},
		{name: "forbidden", resp: crawler.FetchResponse{StatusCode: 403}, kind: crawler.FailureBlocked},
		{name: "rate limited", resp: crawler.FetchResponse{StatusCode: 429}, kind: crawler.FailureBlocked},
		{name: "server error", resp: crawler.FetchResponse{StatusCode: 502}, kind: crawler.FailureNetwork},
		{name: "gone", resp: crawler.FetchResponse{StatusCode: 410}, kind: crawler.FailureValidation},
		{name: "bad request", resp: crawler.FetchResponse{StatusCode: 400}, kind: crawler.FailureFatal},
		{name: "empty 200", resp: crawler.FetchResponse{StatusCode: 200, Body: []byte("   ")}, kind: crawler.FailureBlocked},
		{
			name: "captcha 200",
			resp: crawler.FetchResponse{StatusCode: 200, Body: append([]byte("<div class=\"g-recaptcha\"></div>"), listingBody...)},
			kind: crawler.FailureBlocked,
		},
		{name: "connection reset", err: errors.New("read tcp: connection reset by peer"), kind: crawler.FailureNetwork},
		{name: "bad scheme", err: errors.New("unsupported protocol scheme \"ftp\""), kind: crawler.FailureFatal},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fetcher := &fakeFetcher{resp: tt.resp, err: tt.err}
			exec, err := New(Config{}, fetcher, nil, NewRegistry(NewHeuristicDetector(DefaultMarkers, DefaultChallengeSelectors, nil)), nil)
			require.NoError(t, err)
			_, lease := newLease(t, "http://proxy.test:8080")

			out := exec.Execute(context.Background(), newJob("https://listings.test/1"), lease)
			require.Equal(t, tt.success, out.Success)
			if !tt.success {
				require.Equal(t, tt.kind, out.Kind)
			}
			require.True(t, lease.Released())
			require.Equal(t, "id-1", out.IdentityID)
		})
	}
}

func TestExecuteUsesIdentitySignatureAndProxy(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{resp: crawler.FetchResponse{StatusCode: 200, Body: listingBody}}
	exec, err := New(Config{}, fetcher, nil, nil, nil)
	require.NoError(t, err)
	_, lease := newLease(t, "http://proxy.test:8080")

	out := exec.Execute(context.Background(), newJob("https://listings.test/1"), lease)
	require.True(t, out.Success)
	require.Len(t, fetcher.requests, 1)
	req := fetcher.requests[0]
	require.Equal(t, "http://proxy.test:8080", req.ProxyURL)
	require.Equal(t, "Mozilla/5.0 test", req.UserAgent)
	require.Equal(t, "en-US", req.Headers.Get("Accept-Language"))
	require.Equal(t, "Mozilla/5.0 test", req.Headers.Get("User-Agent"))
}

func TestExecuteFatalConfigErrorsSkipFetch(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{}
	exec, err := New(Config{}, fetcher, nil, nil, nil)
	require.NoError(t, err)

	pool, lease := newLease(t, "ftp://proxy.test")
	out := exec.Execute(context.Background(), newJob("https://listings.test/1"), lease)
	require.Equal(t, crawler.FailureFatal, out.Kind)

	_, lease2 := newLease(t, "")
	out = exec.Execute(context.Background(), newJob("::not a url"), lease2)
	require.Equal(t, crawler.FailureFatal, out.Kind)

	require.Empty(t, fetcher.requests)
	ident, err := pool.Get("id-1")
	require.NoError(t, err)
	require.Zero(t, ident.FailureCount)
}

func TestExecuteReportsFailuresToPool(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{resp: crawler.FetchResponse{StatusCode: http.StatusForbidden}}
	exec, err := New(Config{}, fetcher, nil, nil, nil)
	require.NoError(t, err)
	pool, lease := newLease(t, "")

	exec.Execute(context.Background(), newJob("https://listings.test/1"), lease)

	ident, err := pool.Get("id-1")
	require.NoError(t, err)
	require.EqualValues(t, 1, ident.FailureCount)
	require.Equal(t, 1, ident.ConsecutiveFailures)
}

func TestExecuteCancellationIsNeutral(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{block: true}
	exec, err := New(Config{Timeout: time.Minute}, fetcher, nil, nil, nil)
	require.NoError(t, err)
	pool, lease := newLease(t, "")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	out := exec.Execute(ctx, newJob("https://listings.test/1"), lease)
	require.True(t, out.Canceled)

	ident, err := pool.Get("id-1")
	require.NoError(t, err)
	require.Zero(t, ident.FailureCount)
}

func TestExecuteAttemptTimeoutIsNetworkFailure(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{block: true}
	exec, err := New(Config{Timeout: 10 * time.Millisecond}, fetcher, nil, nil, nil)
	require.NoError(t, err)
	_, lease := newLease(t, "")

	out := exec.Execute(context.Background(), newJob("https://listings.test/1"), lease)
	require.False(t, out.Canceled)
	require.Equal(t, crawler.FailureNetwork, out.Kind)
}

func TestExecuteHeadlessTargetWithoutRenderer(t *testing.T) {
	t.Parallel()

	exec, err := New(Config{}, &fakeFetcher{}, nil, nil, nil)
	require.NoError(t, err)
	_, lease := newLease(t, "")
	job := newJob("https://listings.test/1")
	job.Target.Headless = true

	out := exec.Execute(context.Background(), job, lease)
	require.Equal(t, crawler.FailureFatal, out.Kind)
}
