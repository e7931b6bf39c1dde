package api

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/listings-crawler/internal/crawler"
)

const (
	defaultListLimit   = 50
	maxListLimit       = 500
	defaultStatsWindow = 5 * time.Minute
)

type scheduleRequest struct {
	Target     string `json:"target"`
	Name       string `json:"name"`
	URL        string `json:"url"`
	Class      string `json:"class"`
	Headless   bool   `json:"headless"`
	MaxRetries int    `json:"max_retries"`
}

func (s *Server) scheduleJob(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	target, status, msg := s.resolveTarget(req)
	if status != 0 {
		writeError(w, status, msg)
		return
	}
	job, err := s.deps.Scheduler.Schedule(r.Context(), target, crawler.TriggerManual)
	if err != nil {
		if errors.Is(err, crawler.ErrDraining) {
			writeError(w, http.StatusServiceUnavailable, "scheduler is draining")
			return
		}
		s.logger.Error("schedule job failed", zap.String("target", target.Name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to schedule job")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job": job})
}

// resolveTarget returns the configured target by name or builds an ad hoc
// one from the URL. A non-zero status means the request is rejected.
func (s *Server) resolveTarget(req scheduleRequest) (crawler.Target, int, string) {
	if req.Target != "" {
		target, ok := s.deps.Scheduler.Target(req.Target)
		if !ok {
			return crawler.Target{}, http.StatusNotFound, "target not found"
		}
		return target, 0, ""
	}
	if req.URL == "" {
		return crawler.Target{}, http.StatusBadRequest, "target or url required"
	}
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return crawler.Target{}, http.StatusBadRequest, "url must be absolute http(s)"
	}
	if req.MaxRetries < 0 {
		return crawler.Target{}, http.StatusBadRequest, "max_retries must be >= 0"
	}
	name := req.Name
	if name == "" {
		name = u.Hostname()
	}
	return crawler.Target{
		Name:       name,
		URL:        req.URL,
		Class:      req.Class,
		Headless:   req.Headless,
		MaxRetries: req.MaxRetries,
	}, 0, ""
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, _, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := crawler.JobFilter{
		Target: strings.TrimSpace(r.URL.Query().Get("target")),
		Limit:  limit,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, parseErr := parseJobStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		filter.Status = status
	}
	ctx, cancel := s.storeContext(r)
	defer cancel()
	jobs, err := s.deps.Jobs.ListJobs(ctx, filter)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()
	job, err := s.deps.Jobs.GetJob(ctx, chi.URLParam(r, "job_id"))
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("get job failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := crawler.DeadLetterFilter{
		Kind:       crawler.FailureKind(strings.ToLower(strings.TrimSpace(q.Get("kind")))),
		Resolution: crawler.Resolution(strings.ToLower(strings.TrimSpace(q.Get("resolution")))),
		JobID:      strings.TrimSpace(q.Get("job_id")),
		Limit:      limit,
		Offset:     offset,
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		writeError(w, http.StatusBadRequest, "invalid kind")
		return
	}
	if filter.Resolution != "" && !filter.Resolution.Valid() {
		writeError(w, http.StatusBadRequest, "invalid resolution")
		return
	}
	ctx, cancel := s.storeContext(r)
	defer cancel()
	entries, err := s.deps.DeadLetters.List(ctx, filter)
	if err != nil {
		s.logger.Error("list dead letters failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": entries})
}

func (s *Server) getDeadLetter(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()
	entry, err := s.deps.DeadLetters.Get(ctx, chi.URLParam(r, "entry_id"))
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		s.logger.Error("get dead letter failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load dead letter")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letter": entry})
}

func (s *Server) deadLetterStats(w http.ResponseWriter, r *http.Request) {
	window := defaultStatsWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = parsed
	}
	ctx, cancel := s.storeContext(r)
	defer cancel()
	stats, err := s.deps.DeadLetters.Stats(ctx, window, s.deps.Clock.Now())
	if err != nil {
		s.logger.Error("dead letter stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

type resolveRequest struct {
	Resolution crawler.Resolution `json:"resolution"`
}

func (s *Server) resolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Resolution == crawler.ResolutionOpen || !req.Resolution.Valid() {
		writeError(w, http.StatusBadRequest, "resolution must be acknowledged or resolved")
		return
	}
	ctx, cancel := s.storeContext(r)
	defer cancel()
	entry, err := s.deps.DeadLetters.Resolve(ctx, chi.URLParam(r, "entry_id"), req.Resolution, s.deps.Clock.Now())
	if err != nil {
		switch {
		case errors.Is(err, crawler.ErrNotFound):
			writeError(w, http.StatusNotFound, "dead letter not found")
		case errors.Is(err, crawler.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("resolve dead letter failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to resolve dead letter")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letter": entry})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, _, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	filter := crawler.AlertFilter{Limit: limit}
	if raw := strings.ToLower(strings.TrimSpace(q.Get("severity"))); raw != "" {
		severity := crawler.AlertSeverity(raw)
		switch severity {
		case crawler.SeverityInfo, crawler.SeverityWarning, crawler.SeverityCritical:
			filter.Severity = severity
		default:
			writeError(w, http.StatusBadRequest, "invalid severity")
			return
		}
	}
	if raw := q.Get("acknowledged"); raw != "" {
		acked, parseErr := strconv.ParseBool(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, "invalid acknowledged")
			return
		}
		filter.Acknowledged = &acked
	}
	ctx, cancel := s.storeContext(r)
	defer cancel()
	alerts, err := s.deps.Alerts.ListAlerts(ctx, filter)
	if err != nil {
		s.logger.Error("list alerts failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list alerts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (s *Server) ackAlert(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.storeContext(r)
	defer cancel()
	alert, err := s.deps.Alerts.AckAlert(ctx, chi.URLParam(r, "alert_id"))
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "alert not found")
			return
		}
		s.logger.Error("ack alert failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to acknowledge alert")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alert": alert})
}

func (s *Server) listIdentities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"health":     s.deps.Identities.Health(),
		"identities": s.deps.Identities.Snapshot(),
	})
}

type addIdentityRequest struct {
	ID        string            `json:"id"`
	Proxy     string            `json:"proxy_endpoint"`
	UserAgent string            `json:"user_agent"`
	Headers   map[string]string `json:"headers"`
	Class     string            `json:"class"`
}

func (s *Server) addIdentity(w http.ResponseWriter, r *http.Request) {
	var req addIdentityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "id required")
		return
	}
	if req.Proxy != "" {
		if _, err := url.Parse(req.Proxy); err != nil {
			writeError(w, http.StatusBadRequest, "invalid proxy_endpoint")
			return
		}
	}
	ident := crawler.Identity{
		ID:            req.ID,
		ProxyEndpoint: req.Proxy,
		Signature:     crawler.ClientSignature{UserAgent: req.UserAgent, Headers: req.Headers},
		Class:         req.Class,
	}
	if err := s.deps.Identities.Add(ident); err != nil {
		if errors.Is(err, crawler.ErrDuplicateIdentity) {
			writeError(w, http.StatusConflict, "identity already exists")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("identity added", zap.String("identity_id", req.ID), zap.String("class", req.Class))
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

func (s *Server) banIdentity(w http.ResponseWriter, r *http.Request) {
	s.mutateIdentity(w, r, s.deps.Identities.Ban)
}

func (s *Server) resetIdentity(w http.ResponseWriter, r *http.Request) {
	s.mutateIdentity(w, r, s.deps.Identities.Reset)
}

func (s *Server) mutateIdentity(
	w http.ResponseWriter,
	r *http.Request,
	op func(id string) (crawler.Identity, error),
) {
	ident, err := op(chi.URLParam(r, "identity_id"))
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			writeError(w, http.StatusNotFound, "identity not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"identity": ident})
}

func (s *Server) listSubscribers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"subscribers": s.deps.Hub.Stats()})
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseJobStatus(input string) (crawler.JobStatus, error) {
	switch status := crawler.JobStatus(strings.ToLower(input)); status {
	case crawler.JobPending, crawler.JobInFlight, crawler.JobSucceeded,
		crawler.JobRetryScheduled, crawler.JobDeadLettered:
		return status, nil
	default:
		return "", errors.New("invalid status")
	}
}
