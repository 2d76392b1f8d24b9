package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/analyzer"
	"github.com/7and1/thedoorpost/internal/safeurl"
)

const (
	maxBodyBytes    = 16 * 1024
	rateLimitWindow = time.Minute
)

type analyzeRequest struct {
	URL           string `json:"url"`
	Email         string `json:"email,omitempty"`
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
	Token         string `json:"token,omitempty"`
}

// handleAnalyze accepts a submission. Cheap checks run before expensive
// ones: body shape, then rate limits, then token verification, then target
// safety, then the report cache, and only then is a job created.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be valid JSON")
		return
	}
	req.URL = strings.TrimSpace(req.URL)
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	if req.Email != "" {
		if _, err := mail.ParseAddress(req.Email); err != nil {
			writeError(w, http.StatusBadRequest, "email is not valid")
			return
		}
	}

	ip := clientIP(r)
	if !s.allow(r, "ip:"+ip, s.cfg.IPPerMinute, "ip") {
		writeError(w, http.StatusTooManyRequests, "too many requests from this address, try again in a minute")
		return
	}
	if req.Email != "" && !s.allow(r, "email:"+req.Email, s.cfg.EmailPerMinute, "email") {
		writeError(w, http.StatusTooManyRequests, "too many requests for this email, try again in a minute")
		return
	}

	ok, err := s.deps.Verifier.Verify(r.Context(), req.Token, ip)
	if err != nil {
		s.logger.Warn("token verification unavailable", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "verification is temporarily unavailable")
		return
	}
	if !ok {
		writeError(w, http.StatusForbidden, "verification failed")
		return
	}

	target, err := s.deps.Validator.Validate(r.Context(), req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, safeURLMessage(err))
		return
	}
	if req.WebhookURL != "" {
		if _, err := s.deps.Validator.ValidateWebhook(r.Context(), req.WebhookURL); err != nil {
			writeError(w, http.StatusBadRequest, "webhook_url is not an acceptable endpoint")
			return
		}
	}
	normalized := target.String()

	if cached, err := s.deps.Reports.GetByURL(r.Context(), normalized); err == nil {
		s.countCache("hit")
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "complete",
			"cached": true,
			"report": cached,
		})
		return
	} else if !errors.Is(err, analyzer.ErrNotFound) {
		s.logger.Warn("report cache lookup failed", zap.Error(err))
	}
	s.countCache("miss")

	jobID, err := s.deps.IDs.NewID()
	if err != nil {
		s.logger.Error("job id generation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not accept the job")
		return
	}
	now := s.deps.Clock.Now().UTC()
	job := analyzer.Job{
		ID:        jobID,
		URL:       normalized,
		Status:    analyzer.JobStatusQueued,
		Message:   analyzer.MessageQueued,
		CreatedAt: now,
	}
	if err := s.deps.Jobs.Create(r.Context(), job); err != nil {
		s.logger.Error("job create failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not accept the job")
		return
	}
	item := analyzer.QueueItem{
		JobID:         jobID,
		URL:           normalized,
		UserEmail:     req.Email,
		WebhookURL:    req.WebhookURL,
		WebhookSecret: req.WebhookSecret,
		Submitted:     now.UnixMilli(),
	}
	if err := s.deps.Queue.Enqueue(r.Context(), item); err != nil {
		s.logger.Error("enqueue failed", zap.String("job_id", jobID), zap.Error(err))
		if _, failErr := s.deps.Jobs.Fail(r.Context(), jobID, "The job could not be queued. Please try again."); failErr != nil {
			s.logger.Error("mark unqueued job failed", zap.String("job_id", jobID), zap.Error(failErr))
		}
		writeError(w, http.StatusServiceUnavailable, "could not queue the job, try again shortly")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     jobID,
		"status":     job.Status,
		"poll_url":   "/api/jobs/" + jobID,
		"stream_url": "/api/jobs/" + jobID + "/stream",
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, analyzer.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found or expired")
			return
		}
		s.logger.Error("job lookup failed", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "job lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := s.deps.Reports.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, analyzer.ErrNotFound) {
			writeError(w, http.StatusNotFound, "report not found")
			return
		}
		s.logger.Error("report lookup failed", zap.String("report_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAggregateBest(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Aggregates.Best(r.Context())
	if err != nil {
		s.logger.Error("best reports lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "leaderboard lookup failed")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleAggregateMistakes(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Aggregates.CommonMistakes(r.Context())
	if err != nil {
		s.logger.Error("common mistakes lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "mistake tally lookup failed")
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Reports.Delete(r.Context(), id); err != nil {
		if errors.Is(err, analyzer.ErrNotFound) {
			writeError(w, http.StatusNotFound, "report not found")
			return
		}
		s.logger.Error("report delete failed", zap.String("report_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report delete failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteUserReports(w http.ResponseWriter, r *http.Request) {
	email := strings.ToLower(chi.URLParam(r, "email"))
	if _, err := mail.ParseAddress(email); err != nil {
		writeError(w, http.StatusBadRequest, "email is not valid")
		return
	}
	deleted, err := s.deps.Reports.DeleteByEmail(r.Context(), email)
	if err != nil {
		s.logger.Error("user report purge failed", zap.String("email", email), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "user report purge failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": deleted})
}

// allow wraps the limiter, failing open when it errors so a limiter outage
// cannot take down submissions.
func (s *Server) allow(r *http.Request, key string, limit int, scope string) bool {
	ok, err := s.deps.Limiter.Allow(r.Context(), key, limit, rateLimitWindow)
	if err != nil {
		s.logger.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
		return true
	}
	if !ok && s.deps.Metrics != nil {
		s.deps.Metrics.RateLimitRejected.WithLabelValues(scope).Inc()
	}
	return ok
}

func (s *Server) countCache(result string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.ReportCacheLookups.WithLabelValues(result).Inc()
	}
}

func safeURLMessage(err error) string {
	switch {
	case errors.Is(err, safeurl.ErrBlockedHost),
		errors.Is(err, safeurl.ErrPrivateNetwork):
		return "this target is not allowed"
	case errors.Is(err, safeurl.ErrDNSTimeout):
		return "the target hostname could not be resolved in time"
	default:
		return "url must be a valid http(s) address"
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
