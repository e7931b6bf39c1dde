package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/listings-crawler/internal/broadcast"
	"github.com/JakeFAU/listings-crawler/internal/crawler"
	"github.com/JakeFAU/listings-crawler/internal/identity"
	"github.com/JakeFAU/listings-crawler/internal/storage/memory"
)

func TestServer_Healthz(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(http.MethodGet, "/healthz", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ok")
}

func TestServer_ReadyzReportsDraining(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/readyz", "").Code)

	h.sched.setDraining(true)
	rec := h.do(http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "draining")
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ScheduleJob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantTarget string
	}{
		{name: "configured target", body: `{"target":"shop"}`, wantStatus: http.StatusAccepted, wantTarget: "shop"},
		{
			name:       "ad hoc url",
			body:       `{"url":"https://example.com/item/1","class":"retail"}`,
			wantStatus: http.StatusAccepted,
			wantTarget: "example.com",
		},
		{name: "unknown target", body: `{"target":"nope"}`, wantStatus: http.StatusNotFound},
		{name: "missing target and url", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "relative url", body: `{"url":"/item/1"}`, wantStatus: http.StatusBadRequest},
		{name: "negative retries", body: `{"url":"https://example.com","max_retries":-1}`, wantStatus: http.StatusBadRequest},
		{name: "invalid json", body: `{invalid`, wantStatus: http.StatusBadRequest},
		{name: "unknown field", body: `{"urls":["https://example.com"]}`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t)
			rec := h.do(http.MethodPost, "/v1/jobs", tt.body)

			require.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantTarget == "" {
				require.Empty(t, h.sched.scheduled())
				return
			}
			scheduled := h.sched.scheduled()
			require.Len(t, scheduled, 1)
			require.Equal(t, tt.wantTarget, scheduled[0].Target.Name)
			require.Equal(t, crawler.TriggerManual, scheduled[0].Trigger)

			var resp struct {
				Job crawler.FetchJob `json:"job"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.Equal(t, scheduled[0].ID, resp.Job.ID)
		})
	}
}

func TestServer_ScheduleJobWhileDraining(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sched.setDraining(true)
	rec := h.do(http.MethodPost, "/v1/jobs", `{"target":"shop"}`)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_ListAndGetJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	ok := crawler.NewFetchJob("job-1", crawler.Target{Name: "shop", URL: "https://shop.test"}, crawler.TriggerPeriodic, 3, now)
	ok.Status = crawler.JobSucceeded
	pending := crawler.NewFetchJob("job-2", crawler.Target{Name: "other", URL: "https://other.test"}, crawler.TriggerManual, 3, now.Add(time.Second))
	require.NoError(t, h.jobs.CreateJob(ctx, ok))
	require.NoError(t, h.jobs.CreateJob(ctx, pending))

	rec := h.do(http.MethodGet, "/v1/jobs?status=succeeded", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs []crawler.FetchJob `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	require.Equal(t, "job-1", list.Jobs[0].ID)

	rec = h.do(http.MethodGet, "/v1/jobs?target=other", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Jobs, 1)
	require.Equal(t, "job-2", list.Jobs[0].ID)

	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/jobs?status=bogus", "").Code)
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/jobs?limit=0", "").Code)

	rec = h.do(http.MethodGet, "/v1/jobs/job-2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"pending"`)

	require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/jobs/missing", "").Code)
}

func TestServer_DeadLetterListingAndFilters(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedDeadLetters(t)

	var resp struct {
		Entries []crawler.DeadLetterEntry `json:"dead_letters"`
	}
	rec := h.do(http.MethodGet, "/v1/deadletters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 3)
	require.Equal(t, "dl-3", resp.Entries[0].ID)

	rec = h.do(http.MethodGet, "/v1/deadletters?kind=blocked", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 2)
	for _, e := range resp.Entries {
		require.Equal(t, crawler.FailureBlocked, e.Kind)
	}

	rec = h.do(http.MethodGet, "/v1/deadletters?job_id=job-b", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	require.Equal(t, "dl-2", resp.Entries[0].ID)

	rec = h.do(http.MethodGet, "/v1/deadletters?limit=1&offset=1", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	require.Equal(t, "dl-2", resp.Entries[0].ID)

	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/deadletters?kind=weird", "").Code)
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/deadletters?resolution=done", "").Code)
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/deadletters?offset=-1", "").Code)

	rec = h.do(http.MethodGet, "/v1/deadletters/dl-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"job_id":"job-a"`)
	require.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/deadletters/nope", "").Code)
}

func TestServer_ResolveDeadLetter(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedDeadLetters(t)

	rec := h.do(http.MethodPost, "/v1/deadletters/dl-1/resolve", `{"resolution":"acknowledged"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"resolution":"acknowledged"`)

	rec = h.do(http.MethodPost, "/v1/deadletters/dl-1/resolve", `{"resolution":"acknowledged"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(http.MethodPost, "/v1/deadletters/dl-1/resolve", `{"resolution":"resolved"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/deadletters/dl-2/resolve", `{"resolution":"open"}`).Code)
	require.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/v1/deadletters/nope/resolve", `{"resolution":"resolved"}`).Code)

	rec = h.do(http.MethodGet, "/v1/deadletters?resolution=resolved", "")
	var resp struct {
		Entries []crawler.DeadLetterEntry `json:"dead_letters"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Entries, 1)
	require.Equal(t, "dl-1", resp.Entries[0].ID)
}

func TestServer_DeadLetterStats(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedDeadLetters(t)

	rec := h.do(http.MethodGet, "/v1/deadletters/stats?window=10m", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Stats crawler.DeadLetterStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Stats.Total)
	require.Equal(t, 2, resp.Stats.ByKind[crawler.FailureBlocked])
	require.Equal(t, 1, resp.Stats.ByKind[crawler.FailureFatal])

	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/deadletters/stats?window=soon", "").Code)
}

func TestServer_AlertsListAndAck(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.alerts.SaveAlert(ctx, crawler.AlertEvent{ID: "a-1", Severity: crawler.SeverityWarning, Source: "identity_pool"}))
	require.NoError(t, h.alerts.SaveAlert(ctx, crawler.AlertEvent{ID: "a-2", Severity: crawler.SeverityCritical, Source: "dead_letters"}))

	var resp struct {
		Alerts []crawler.AlertEvent `json:"alerts"`
	}
	rec := h.do(http.MethodGet, "/v1/alerts?severity=critical", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Alerts, 1)
	require.Equal(t, "a-2", resp.Alerts[0].ID)

	rec = h.do(http.MethodPost, "/v1/alerts/a-1/ack", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"acknowledged":true`)

	rec = h.do(http.MethodGet, "/v1/alerts?acknowledged=false", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Alerts, 1)
	require.Equal(t, "a-2", resp.Alerts[0].ID)

	require.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/v1/alerts/missing/ack", "").Code)
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/alerts?severity=loud", "").Code)
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/alerts?acknowledged=maybe", "").Code)
}

func TestServer_IdentityOperations(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	rec := h.do(http.MethodPost, "/v1/identities",
		`{"id":"proxy-b","proxy_endpoint":"http://10.0.0.2:8080","user_agent":"ua-b","class":"retail"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/v1/identities", `{"id":"proxy-b"}`).Code)
	require.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/identities", `{"id":" "}`).Code)

	rec = h.do(http.MethodPost, "/v1/identities/proxy-a/ban", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"banned"`)

	rec = h.do(http.MethodGet, "/v1/identities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Health     identity.Health    `json:"health"`
		Identities []crawler.Identity `json:"identities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Health.Total)
	require.Equal(t, 1, resp.Health.Banned)
	require.Len(t, resp.Identities, 2)

	rec = h.do(http.MethodPost, "/v1/identities/proxy-a/reset", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"state":"healthy"`)
	require.Equal(t, 2, h.pool.Health().Healthy)

	require.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/v1/identities/ghost/ban", "").Code)
}

func TestServer_ListSubscribers(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	rec := h.do(http.MethodGet, "/v1/stream/subscribers", "")

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"subscribers":[]`)
}

func TestServer_RecoversFromPanics(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.sched.panicOn = "boom"
	rec := h.do(http.MethodPost, "/v1/jobs", `{"target":"shop","name":"boom"}`)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Contains(t, rec.Body.String(), "internal server error")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	handler := requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, requestID(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "caller-id")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, "caller-id", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.Error(t, err)

	hijacker := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: hijacker}
	conn, _, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Equal(t, http.StatusSwitchingProtocols, rw.status)
	require.NoError(t, conn.Close())
	require.NoError(t, hijacker.CloseClient())
}

// --- helpers/fakes ---

type harness struct {
	server *Server
	sched  *fakeScheduler
	jobs   *memory.JobStore
	dlq    *memory.DeadLetterStore
	alerts *memory.AlertStore
	pool   *identity.Pool
	clock  *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	pool, err := identity.New(identity.Config{}, clock, zap.NewNop(), []crawler.Identity{
		{ID: "proxy-a", ProxyEndpoint: "http://10.0.0.1:8080"},
	})
	require.NoError(t, err)
	hub := broadcast.NewHub(broadcast.Config{Now: clock.Now})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = hub.Close(ctx)
	})
	h := &harness{
		sched: &fakeScheduler{
			targets: map[string]crawler.Target{
				"shop": {Name: "shop", URL: "https://shop.test/listing", Class: "retail"},
			},
		},
		jobs:   memory.NewJobStore(),
		dlq:    memory.NewDeadLetterStore(),
		alerts: memory.NewAlertStore(0),
		pool:   pool,
		clock:  clock,
	}
	h.server = NewServer(Deps{
		Scheduler:   h.sched,
		Jobs:        h.jobs,
		DeadLetters: h.dlq,
		Alerts:      h.alerts,
		Identities:  pool,
		Hub:         hub,
		Clock:       clock,
	}, Config{}, zap.NewNop())
	return h
}

func (h *harness) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) seedDeadLetters(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	now := h.clock.Now()
	seed := []struct {
		id, job string
		kind    crawler.FailureKind
	}{
		{"dl-1", "job-a", crawler.FailureBlocked},
		{"dl-2", "job-b", crawler.FailureFatal},
		{"dl-3", "job-c", crawler.FailureBlocked},
	}
	for i, s := range seed {
		job := crawler.NewFetchJob(s.job, crawler.Target{Name: "shop", URL: "https://shop.test"}, crawler.TriggerPeriodic, 3, now)
		entry := crawler.NewDeadLetterEntry(s.id, job, s.kind, map[string]string{"reason": "test"},
			now.Add(-time.Duration(len(seed)-i)*time.Minute))
		require.NoError(t, h.dlq.Record(ctx, entry))
	}
}

type fakeScheduler struct {
	mu       sync.Mutex
	targets  map[string]crawler.Target
	jobs     []crawler.FetchJob
	draining bool
	panicOn  string
}

func (f *fakeScheduler) Schedule(_ context.Context, target crawler.Target, trigger crawler.Trigger) (crawler.FetchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn != "" {
		panic(f.panicOn)
	}
	if f.draining {
		return crawler.FetchJob{}, crawler.ErrDraining
	}
	job := crawler.NewFetchJob("job-"+target.Name, target, trigger, 3, time.Unix(0, 0))
	f.jobs = append(f.jobs, job)
	return job, nil
}

func (f *fakeScheduler) Target(name string) (crawler.Target, bool) {
	t, ok := f.targets[name]
	return t, ok
}

func (f *fakeScheduler) Draining() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.draining
}

func (f *fakeScheduler) setDraining(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.draining = v
}

func (f *fakeScheduler) scheduled() []crawler.FetchJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crawler.FetchJob(nil), f.jobs...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client == nil {
		return errors.New("no client")
	}
	return h.client.Close()
}
