// Package deadletter provides an append-only sink for failed durable
// writes and webhook deliveries, retained for offline replay.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/kv"
)

const defaultRetention = 7 * 24 * time.Hour

// Record wraps a failed payload with failure context.
type Record struct {
	Kind     string          `json:"kind"`
	Key      string          `json:"key"`
	Payload  json.RawMessage `json:"payload"`
	Error    string          `json:"error,omitempty"`
	Attempts int             `json:"attempts,omitempty"`
	FailedAt time.Time       `json:"failed_at"`
}

// Sink appends dead-letter records to a kv.Store. Writing is best-effort;
// a sink failure is logged and never propagated to the primary data path.
type Sink struct {
	kv        kv.Store
	retention time.Duration
	logger    *zap.Logger
	now       func() time.Time
}

// New constructs a Sink with the default 7 day retention.
func New(store kv.Store, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		kv:        store,
		retention: defaultRetention,
		logger:    logger,
		now:       time.Now,
	}
}

func recordKey(kind, key string) string {
	return fmt.Sprintf("dlq:%s:%s", kind, key)
}

// Add records a failed operation of the given kind keyed by key. The
// payload must be JSON-serializable.
func (s *Sink) Add(ctx context.Context, kind, key string, payload any, attempts int, cause error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("dead-letter payload encode failed",
			zap.String("kind", kind), zap.String("key", key), zap.Error(err))
		return
	}
	rec := Record{
		Kind:     kind,
		Key:      key,
		Payload:  raw,
		Attempts: attempts,
		FailedAt: s.now().UTC(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	encoded, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("dead-letter record encode failed",
			zap.String("kind", kind), zap.String("key", key), zap.Error(err))
		return
	}
	if err := s.kv.Put(ctx, recordKey(kind, key), encoded, s.retention); err != nil {
		s.logger.Error("dead-letter write failed",
			zap.String("kind", kind), zap.String("key", key), zap.Error(err))
	}
}

// List returns all retained records of the given kind for replay tooling.
func (s *Sink) List(ctx context.Context, kind string) ([]Record, error) {
	keys, err := s.kv.List(ctx, fmt.Sprintf("dlq:%s:", kind))
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	records := make([]Record, 0, len(keys))
	for _, key := range keys {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// Remove deletes a replayed record.
func (s *Sink) Remove(ctx context.Context, kind, key string) error {
	if err := s.kv.Delete(ctx, recordKey(kind, key)); err != nil {
		return fmt.Errorf("remove dead letter: %w", err)
	}
	return nil
}
