package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/analyzer"
	"github.com/7and1/thedoorpost/internal/kv"
)

// Health bundles the dependency probes the health endpoint runs. Nil
// members are reported as disabled rather than failing the check.
type Health struct {
	KV     kv.Store
	PingDB func(ctx context.Context) error
	Blobs  analyzer.BlobStore

	// ScorerReady is true when model credentials are configured or
	// scoring is mocked.
	ScorerReady bool
}

const healthProbeTimeout = 5 * time.Second

// handleHealth actively probes each dependency: a KV write/read roundtrip,
// a database ping, a blob put/delete, and scorer credential presence.
// Returns 503 when any probe fails.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	h := s.deps.Health
	ok := true
	deps := map[string]string{
		"kv":     "disabled",
		"db":     "disabled",
		"blob":   "disabled",
		"scorer": "missing_key",
	}

	now := time.Now()
	if s.deps.Clock != nil {
		now = s.deps.Clock.Now()
	}

	if h.KV != nil {
		deps["kv"] = s.probeKV(ctx, h.KV, now)
		if deps["kv"] == "error" {
			ok = false
		}
	}
	if h.PingDB != nil {
		deps["db"] = "ok"
		if err := h.PingDB(ctx); err != nil {
			s.logger.Warn("health db probe failed", zap.Error(err))
			deps["db"] = "error"
			ok = false
		}
	}
	if h.Blobs != nil {
		deps["blob"] = "ok"
		if err := probeBlob(ctx, h.Blobs, now); err != nil {
			s.logger.Warn("health blob probe failed", zap.Error(err))
			deps["blob"] = "error"
			ok = false
		}
	}
	if h.ScorerReady {
		deps["scorer"] = "ok"
	} else {
		ok = false
	}

	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ok":           ok,
		"ts":           now.UnixMilli(),
		"dependencies": deps,
	})
}

func (s *Server) probeKV(ctx context.Context, store kv.Store, now time.Time) string {
	key := fmt.Sprintf("health:check:%d", now.UnixMilli())
	if err := store.Put(ctx, key, []byte("ping"), 10*time.Second); err != nil {
		s.logger.Warn("health kv probe failed", zap.Error(err))
		return "error"
	}
	value, err := store.Get(ctx, key)
	if err != nil {
		s.logger.Warn("health kv probe failed", zap.Error(err))
		return "error"
	}
	if string(value) != "ping" {
		return "degraded"
	}
	return "ok"
}

func probeBlob(ctx context.Context, blobs analyzer.BlobStore, now time.Time) error {
	key := fmt.Sprintf("health-check-%d", now.UnixMilli())
	if _, err := blobs.PutObject(ctx, key, "application/octet-stream", []byte{1, 2, 3}); err != nil {
		return err
	}
	return blobs.DeleteObject(ctx, key)
}
