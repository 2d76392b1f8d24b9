package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/analyzer"
	kvmemory "github.com/7and1/thedoorpost/internal/kv/memory"
)

func newStore(t *testing.T) (*Store, *kvmemory.Store) {
	t.Helper()
	kvStore := kvmemory.New()
	return New(kvStore, time.Hour, zap.NewNop()), kvStore
}

func TestCreateDefaults(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, analyzer.Job{ID: "j1", URL: "https://example.com"}))

	job, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, analyzer.JobStatusQueued, job.Status)
	assert.Equal(t, analyzer.MessageQueued, job.Message)
	assert.Equal(t, 0, job.Progress)
}

func TestCreateRequiresID(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	assert.Error(t, s.Create(context.Background(), analyzer.Job{}))
}

func TestGetMissing(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	_, err := s.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, analyzer.ErrNotFound)
}

func TestGetDeletesCorruptedRecord(t *testing.T) {
	t.Parallel()
	s, kvStore := newStore(t)
	ctx := context.Background()

	require.NoError(t, kvStore.Put(ctx, "job:bad", []byte("{not json"), 0))

	_, err := s.Get(ctx, "bad")
	assert.ErrorIs(t, err, analyzer.ErrNotFound)

	_, err = kvStore.Get(ctx, "job:bad")
	assert.Error(t, err, "corrupted record should be removed")
}

func TestProgressNeverRegresses(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, analyzer.Job{ID: "j1"}))

	seventy := 70
	_, err := s.Update(ctx, "j1", analyzer.JobPatch{Progress: &seventy})
	require.NoError(t, err)

	forty := 40
	job, err := s.Update(ctx, "j1", analyzer.JobPatch{Progress: &forty})
	require.NoError(t, err)
	assert.Equal(t, 70, job.Progress)
}

func TestTerminalStatusIsFinal(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, analyzer.Job{ID: "j1"}))

	_, err := s.Fail(ctx, "j1", "it broke")
	require.NoError(t, err)

	running := analyzer.JobStatusRunning
	job, err := s.Update(ctx, "j1", analyzer.JobPatch{Status: &running})
	require.NoError(t, err)
	assert.Equal(t, analyzer.JobStatusError, job.Status)

	_, err = s.Complete(ctx, "j1", analyzer.ReportResult{ID: "r1"})
	require.NoError(t, err)
	job, err = s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, analyzer.JobStatusError, job.Status, "error state must not become complete")
}

func TestComplete(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, analyzer.Job{ID: "j1"}))

	result := analyzer.ReportResult{
		ID:    "r1",
		Data:  analyzer.ReportData{OverallScore: 82},
		Image: "https://cdn.example.com/r1.webp",
	}
	job, err := s.Complete(ctx, "j1", result)
	require.NoError(t, err)

	assert.Equal(t, analyzer.JobStatusComplete, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.Equal(t, analyzer.MessageComplete, job.Message)
	require.NotNil(t, job.Result)
	assert.Equal(t, 82, job.Result.Data.OverallScore)
}

func TestPartialScorePatch(t *testing.T) {
	t.Parallel()
	s, _ := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, analyzer.Job{ID: "j1"}))

	score := 75
	progress := 75
	job, err := s.Update(ctx, "j1", analyzer.JobPatch{Progress: &progress, PartialScore: &score})
	require.NoError(t, err)
	require.NotNil(t, job.PartialScore)
	assert.Equal(t, 75, *job.PartialScore)
}
