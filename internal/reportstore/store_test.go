package reportstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/analyzer"
	"github.com/7and1/thedoorpost/internal/deadletter"
	kvmemory "github.com/7and1/thedoorpost/internal/kv/memory"
	storagememory "github.com/7and1/thedoorpost/internal/storage/memory"
)

type failingDurable struct {
	Durable
	insertErr error
}

func (f *failingDurable) Insert(ctx context.Context, report analyzer.StoredReport) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	return f.Durable.Insert(ctx, report)
}

func sampleReport(id, url string) analyzer.StoredReport {
	return analyzer.StoredReport{
		ID:             id,
		URL:            url,
		Score:          81,
		Summary:        "Good page.",
		ScreenshotPath: "snapshots/" + id + ".webp",
		ImageURL:       "https://cdn.example.com/snapshots/" + id + ".webp",
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
		UserEmail:      "user@example.com",
		Data: analyzer.ReportData{
			OverallScore: 81,
			Metrics:      analyzer.ReportMetrics{ValueProp: 80, CTAVisibility: 85, TrustDesign: 78},
			Summary:      "Good page.",
			Fixes: []analyzer.ReportFix{
				{Title: "A", Description: "a", Impact: analyzer.ImpactHigh},
				{Title: "B", Description: "b", Impact: analyzer.ImpactMedium},
				{Title: "C", Description: "c", Impact: analyzer.ImpactLow},
			},
		},
	}
}

func newTestStore(t *testing.T, durable Durable) (*Store, *kvmemory.Store, *storagememory.BlobStore) {
	t.Helper()
	cache := kvmemory.New()
	blobs := storagememory.NewBlobStore()
	dlq := deadletter.New(cache, zap.NewNop())
	return New(cache, durable, blobs, dlq, 48*time.Hour, zap.NewNop()), cache, blobs
}

func TestPutThenGetByURLServedFromCache(t *testing.T) {
	t.Parallel()
	durable := NewMemory()
	s, _, _ := newTestStore(t, durable)
	ctx := context.Background()

	report := sampleReport("r1", "https://example.com/")
	require.NoError(t, s.Put(ctx, report))

	got, err := s.GetByURL(ctx, "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)
	assert.Equal(t, report.ImageURL, got.Image)
	assert.Equal(t, 81, got.Data.OverallScore)
}

func TestGetByURLRepopulatesCache(t *testing.T) {
	t.Parallel()
	durable := NewMemory()
	s, cache, _ := newTestStore(t, durable)
	ctx := context.Background()

	report := sampleReport("r1", "https://example.com/")
	require.NoError(t, durable.Insert(ctx, report))

	got, err := s.GetByURL(ctx, "https://example.com/")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.ID)

	_, err = cache.Get(ctx, urlKey("https://example.com/"))
	assert.NoError(t, err, "cache must be repopulated after a durable hit")
	_, err = cache.Get(ctx, idKey("r1"))
	assert.NoError(t, err)
}

func TestGetByIDMiss(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestStore(t, NewMemory())
	_, err := s.GetByID(context.Background(), "nope")
	assert.ErrorIs(t, err, analyzer.ErrNotFound)
}

func TestPutDurableFailureIsDeadLettered(t *testing.T) {
	t.Parallel()
	durable := &failingDurable{Durable: NewMemory(), insertErr: errors.New("db down")}
	cache := kvmemory.New()
	dlq := deadletter.New(cache, zap.NewNop())
	s := New(cache, durable, storagememory.NewBlobStore(), dlq, time.Hour, zap.NewNop())
	ctx := context.Background()

	report := sampleReport("r1", "https://example.com/")
	assert.NoError(t, s.Put(ctx, report), "a cached report with a dead-lettered row is not a failure")

	records, err := dlq.List(ctx, "report")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "r1", records[0].Key)

	got, err := s.GetByURL(ctx, "https://example.com/")
	require.NoError(t, err, "cached copy still serves reads")
	assert.Equal(t, "r1", got.ID)
}

func TestDeleteRemovesRowCacheAndScreenshot(t *testing.T) {
	t.Parallel()
	durable := NewMemory()
	s, cache, blobs := newTestStore(t, durable)
	ctx := context.Background()

	report := sampleReport("r1", "https://example.com/")
	_, err := blobs.PutObject(ctx, report.ScreenshotPath, "image/webp", []byte("img"))
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, report))

	require.NoError(t, s.Delete(ctx, "r1"))

	_, err = s.GetByID(ctx, "r1")
	assert.ErrorIs(t, err, analyzer.ErrNotFound)
	_, err = cache.Get(ctx, urlKey("https://example.com/"))
	assert.Error(t, err)
	_, ok := blobs.Object(report.ScreenshotPath)
	assert.False(t, ok, "screenshot object must be removed")
}

func TestBestServesHighScorersInOrder(t *testing.T) {
	t.Parallel()
	durable := NewMemory()
	s, _, _ := newTestStore(t, durable)
	ctx := context.Background()

	top := sampleReport("r1", "https://a.example.com/")
	top.Score = 97
	runner := sampleReport("r2", "https://b.example.com/")
	runner.Score = 92
	low := sampleReport("r3", "https://c.example.com/")
	low.Score = 60
	for _, r := range []analyzer.StoredReport{runner, low, top} {
		require.NoError(t, durable.Insert(ctx, r))
	}

	best, err := s.Best(ctx)
	require.NoError(t, err)
	require.Len(t, best, 2, "reports below the leaderboard threshold are excluded")
	assert.Equal(t, "r1", best[0].ID)
	assert.Equal(t, "r2", best[1].ID)
	assert.Equal(t, top.ImageURL, best[0].Image)
}

func TestCommonMistakesCountsFixTitles(t *testing.T) {
	t.Parallel()
	durable := NewMemory()
	s, _, _ := newTestStore(t, durable)
	ctx := context.Background()

	for i, fixes := range [][]analyzer.ReportFix{
		{{Title: "Increase CTA contrast", Description: "d"}, {Title: "Add a trust signal", Description: "d"}},
		{{Title: "Increase CTA contrast", Description: "d"}},
		{{Title: "  ", Description: "d"}},
	} {
		r := sampleReport(string(rune('a'+i)), "https://low.example.com/"+string(rune('a'+i)))
		r.Score = 40
		r.Data.Fixes = fixes
		require.NoError(t, durable.Insert(ctx, r))
	}
	high := sampleReport("hi", "https://hi.example.com/")
	high.Score = 95
	require.NoError(t, durable.Insert(ctx, high))

	mistakes, err := s.CommonMistakes(ctx)
	require.NoError(t, err)
	require.Len(t, mistakes, 2, "blank titles and high scorers are excluded")
	assert.Equal(t, analyzer.MistakeCount{Title: "Increase CTA contrast", Count: 2}, mistakes[0])
	assert.Equal(t, analyzer.MistakeCount{Title: "Add a trust signal", Count: 1}, mistakes[1])
}

func TestDeleteByEmailPurgesAllReports(t *testing.T) {
	t.Parallel()
	durable := NewMemory()
	s, _, _ := newTestStore(t, durable)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, sampleReport("r1", "https://a.example.com/")))
	require.NoError(t, s.Put(ctx, sampleReport("r2", "https://b.example.com/")))
	other := sampleReport("r3", "https://c.example.com/")
	other.UserEmail = "other@example.com"
	require.NoError(t, s.Put(ctx, other))

	deleted, err := s.DeleteByEmail(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	_, err = s.GetByID(ctx, "r1")
	assert.ErrorIs(t, err, analyzer.ErrNotFound)
	got, err := s.GetByID(ctx, "r3")
	require.NoError(t, err)
	assert.Equal(t, "r3", got.ID)
}
