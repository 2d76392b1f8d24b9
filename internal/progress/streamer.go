// Package progress turns job store polling into an event stream suitable
// for server-sent events.
package progress

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/analyzer"
)

// Event types emitted on a stream.
const (
	EventProgress = "progress"
	EventComplete = "complete"
	EventError    = "error"
)

const (
	defaultPollInterval = time.Second
	defaultMaxDuration  = 90 * time.Second
)

// Event is one update on a job stream. Complete events carry the job with
// its result; error events carry a client-safe message.
type Event struct {
	Type    string
	Job     analyzer.Job
	Message string
}

// Streamer polls the job store and emits an event whenever the observed
// state changes. Streams end on a terminal status, a missing job, or the
// hard duration cap.
type Streamer struct {
	jobs         analyzer.JobStore
	pollInterval time.Duration
	maxDuration  time.Duration
	logger       *zap.Logger
}

// New constructs a Streamer with the default 1s poll and 90s cap.
func New(jobs analyzer.JobStore, logger *zap.Logger) *Streamer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streamer{
		jobs:         jobs,
		pollInterval: defaultPollInterval,
		maxDuration:  defaultMaxDuration,
		logger:       logger,
	}
}

// NewWithIntervals is the test constructor.
func NewWithIntervals(jobs analyzer.JobStore, poll, max time.Duration, logger *zap.Logger) *Streamer {
	s := New(jobs, logger)
	s.pollInterval = poll
	s.maxDuration = max
	return s
}

// Stream returns a channel of events for the job. The channel is closed
// after the terminal event. Sends block until the consumer is ready, so a
// slow consumer delays polling instead of dropping events.
func (s *Streamer) Stream(ctx context.Context, jobID string) <-chan Event {
	out := make(chan Event, 1)
	go s.run(ctx, jobID, out)
	return out
}

func (s *Streamer) run(ctx context.Context, jobID string, out chan<- Event) {
	defer close(out)

	deadline := time.NewTimer(s.maxDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	var last *analyzer.Job
	for {
		job, err := s.jobs.Get(ctx, jobID)
		switch {
		case errors.Is(err, analyzer.ErrNotFound):
			s.send(ctx, out, Event{Type: EventError, Message: "job not found or expired"})
			return
		case err != nil:
			s.logger.Warn("job poll failed", zap.String("job_id", jobID), zap.Error(err))
		default:
			if changed(last, job) {
				if !s.send(ctx, out, eventFor(job)) {
					return
				}
				if job.Status.IsTerminal() {
					return
				}
				j := job
				last = &j
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			s.send(ctx, out, Event{Type: EventError, Message: "stream timeout, poll the job endpoint for final status"})
			return
		case <-ticker.C:
		}
	}
}

// send blocks until the consumer accepts the event or the context ends.
func (s *Streamer) send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func eventFor(job analyzer.Job) Event {
	switch job.Status {
	case analyzer.JobStatusComplete:
		return Event{Type: EventComplete, Job: job}
	case analyzer.JobStatusError:
		return Event{Type: EventError, Job: job, Message: job.Error}
	default:
		return Event{Type: EventProgress, Job: job}
	}
}

func changed(last *analyzer.Job, job analyzer.Job) bool {
	if last == nil {
		return true
	}
	if last.Status != job.Status || last.Progress != job.Progress || last.Message != job.Message {
		return true
	}
	lastPartial, jobPartial := -1, -1
	if last.PartialScore != nil {
		lastPartial = *last.PartialScore
	}
	if job.PartialScore != nil {
		jobPartial = *job.PartialScore
	}
	return lastPartial != jobPartial
}
