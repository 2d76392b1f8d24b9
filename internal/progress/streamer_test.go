package progress

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/analyzer"
	"github.com/7and1/thedoorpost/internal/jobstore"
	kvmemory "github.com/7and1/thedoorpost/internal/kv/memory"
)

func newStreamerFixture(t *testing.T, maxDuration time.Duration) (*Streamer, *jobstore.Store) {
	t.Helper()
	jobs := jobstore.New(kvmemory.New(), time.Hour, zap.NewNop())
	return NewWithIntervals(jobs, 5*time.Millisecond, maxDuration, zap.NewNop()), jobs
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream did not terminate")
		}
	}
}

func TestStreamMissingJob(t *testing.T) {
	t.Parallel()
	s, _ := newStreamerFixture(t, time.Second)

	events := collect(t, s.Stream(context.Background(), "nope"))
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Contains(t, events[0].Message, "not found")
}

func TestStreamEmitsProgressThenComplete(t *testing.T) {
	t.Parallel()
	s, jobs := newStreamerFixture(t, 5*time.Second)
	ctx := context.Background()
	require.NoError(t, jobs.Create(ctx, analyzer.Job{ID: "j1", URL: "https://example.com"}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		p := 40
		m := analyzer.MessageScreenshot
		st := analyzer.JobStatusRunning
		_, _ = jobs.Update(ctx, "j1", analyzer.JobPatch{Status: &st, Progress: &p, Message: &m})
		time.Sleep(20 * time.Millisecond)
		_, _ = jobs.Complete(ctx, "j1", analyzer.ReportResult{ID: "r1"})
	}()

	events := collect(t, s.Stream(ctx, "j1"))
	require.NotEmpty(t, events)

	last := events[len(events)-1]
	assert.Equal(t, EventComplete, last.Type)
	require.NotNil(t, last.Job.Result)
	assert.Equal(t, "r1", last.Job.Result.ID)

	for _, ev := range events[:len(events)-1] {
		assert.Equal(t, EventProgress, ev.Type)
	}
}

func TestStreamDeduplicatesUnchangedState(t *testing.T) {
	t.Parallel()
	s, jobs := newStreamerFixture(t, 5*time.Second)
	ctx := context.Background()
	require.NoError(t, jobs.Create(ctx, analyzer.Job{ID: "j1"}))

	streamCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	events := collect(t, s.Stream(streamCtx, "j1"))

	assert.Len(t, events, 1, "unchanged job state emits exactly one event")
}

func TestStreamErrorEventOnFailedJob(t *testing.T) {
	t.Parallel()
	s, jobs := newStreamerFixture(t, 5*time.Second)
	ctx := context.Background()
	require.NoError(t, jobs.Create(ctx, analyzer.Job{ID: "j1"}))
	_, err := jobs.Fail(ctx, "j1", "The page took too long to load. Please try again.")
	require.NoError(t, err)

	events := collect(t, s.Stream(ctx, "j1"))
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Message, "too long")
}

func TestStreamHardTimeout(t *testing.T) {
	t.Parallel()
	s, jobs := newStreamerFixture(t, 60*time.Millisecond)
	ctx := context.Background()
	require.NoError(t, jobs.Create(ctx, analyzer.Job{ID: "j1"}))

	events := collect(t, s.Stream(ctx, "j1"))
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Message, "timeout")
}

func TestStreamPartialScoreChangeEmits(t *testing.T) {
	t.Parallel()
	s, jobs := newStreamerFixture(t, 5*time.Second)
	ctx := context.Background()
	require.NoError(t, jobs.Create(ctx, analyzer.Job{ID: "j1"}))

	go func() {
		time.Sleep(20 * time.Millisecond)
		score := 75
		p := 75
		_, _ = jobs.Update(ctx, "j1", analyzer.JobPatch{Progress: &p, PartialScore: &score})
		time.Sleep(20 * time.Millisecond)
		_, _ = jobs.Complete(ctx, "j1", analyzer.ReportResult{ID: "r1"})
	}()

	events := collect(t, s.Stream(ctx, "j1"))
	var sawPartial bool
	for _, ev := range events {
		if ev.Job.PartialScore != nil && *ev.Job.PartialScore == 75 {
			sawPartial = true
		}
	}
	assert.True(t, sawPartial, "partial score update must surface on the stream")
}
