// Package jobstore implements the analyzer.JobStore state machine over a
// key-value store.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/analyzer"
	"github.com/7and1/thedoorpost/internal/kv"
)

const terminalProgress = 100

// Store persists jobs as JSON values with a retention TTL. Progress never
// regresses and a job takes exactly one terminal transition.
type Store struct {
	kv     kv.Store
	ttl    time.Duration
	logger *zap.Logger
}

// New constructs a Store with the given retention TTL.
func New(store kv.Store, ttl time.Duration, logger *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{kv: store, ttl: ttl, logger: logger}
}

func jobKey(id string) string {
	return "job:" + id
}

// Create writes a new queued job record.
func (s *Store) Create(ctx context.Context, job analyzer.Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	if job.Status == "" {
		job.Status = analyzer.JobStatusQueued
	}
	if job.Message == "" {
		job.Message = analyzer.MessageQueued
	}
	return s.write(ctx, job)
}

// Get loads a job by id. A record that fails to decode is deleted and
// reported as not found so a corrupted value can never crash a caller.
func (s *Store) Get(ctx context.Context, id string) (analyzer.Job, error) {
	raw, err := s.kv.Get(ctx, jobKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return analyzer.Job{}, analyzer.ErrNotFound
		}
		return analyzer.Job{}, fmt.Errorf("get job %s: %w", id, err)
	}
	var job analyzer.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		s.logger.Warn("corrupted job record, deleting", zap.String("job_id", id), zap.Error(err))
		if delErr := s.kv.Delete(ctx, jobKey(id)); delErr != nil {
			s.logger.Warn("delete corrupted job", zap.String("job_id", id), zap.Error(delErr))
		}
		return analyzer.Job{}, analyzer.ErrNotFound
	}
	return job, nil
}

// Update merges patch into the stored job. Progress regressions are
// ignored, and a job already in a terminal state accepts no further status
// changes.
func (s *Store) Update(ctx context.Context, id string, patch analyzer.JobPatch) (analyzer.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return analyzer.Job{}, err
	}

	if patch.Status != nil && !job.Status.IsTerminal() {
		job.Status = *patch.Status
	}
	if patch.Progress != nil && *patch.Progress > job.Progress {
		job.Progress = *patch.Progress
	}
	if patch.Message != nil {
		job.Message = *patch.Message
	}
	if patch.PartialScore != nil {
		job.PartialScore = patch.PartialScore
	}
	if patch.Result != nil {
		job.Result = patch.Result
	}
	if patch.Error != nil {
		job.Error = *patch.Error
	}
	if patch.Timings != nil {
		job.Timings = *patch.Timings
	}

	if err := s.write(ctx, job); err != nil {
		return analyzer.Job{}, err
	}
	return job, nil
}

// Complete moves the job to its terminal complete state with the result.
func (s *Store) Complete(ctx context.Context, id string, result analyzer.ReportResult) (analyzer.Job, error) {
	status := analyzer.JobStatusComplete
	progress := terminalProgress
	message := analyzer.MessageComplete
	return s.Update(ctx, id, analyzer.JobPatch{
		Status:   &status,
		Progress: &progress,
		Message:  &message,
		Result:   &result,
	})
}

// Fail moves the job to its terminal error state with a caller-safe message.
func (s *Store) Fail(ctx context.Context, id string, message string) (analyzer.Job, error) {
	status := analyzer.JobStatusError
	return s.Update(ctx, id, analyzer.JobPatch{
		Status:  &status,
		Message: &message,
		Error:   &message,
	})
}

func (s *Store) write(ctx context.Context, job analyzer.Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := s.kv.Put(ctx, jobKey(job.ID), raw, s.ttl); err != nil {
		return fmt.Errorf("put job %s: %w", job.ID, err)
	}
	return nil
}
