// Package reportstore persists completed reports. Reads are served from a
// key-value cache keyed by URL digest and report ID; a durable backend is
// the source of truth. Durable write failures are dead-lettered so a
// finished analysis is never lost to a transient outage.
package reportstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/analyzer"
	"github.com/7and1/thedoorpost/internal/deadletter"
	"github.com/7and1/thedoorpost/internal/hash"
	"github.com/7and1/thedoorpost/internal/kv"
)

// Durable is the relational backend behind the cache.
type Durable interface {
	Insert(ctx context.Context, report analyzer.StoredReport) error
	GetByURL(ctx context.Context, url string) (analyzer.StoredReport, error)
	GetByID(ctx context.Context, id string) (analyzer.StoredReport, error)
	Delete(ctx context.Context, id string) (analyzer.StoredReport, error)
	ListByEmail(ctx context.Context, email string) ([]analyzer.StoredReport, error)
	ListBest(ctx context.Context, minScore, limit int) ([]analyzer.StoredReport, error)
	ListLowScoring(ctx context.Context, maxScore, limit int) ([]analyzer.StoredReport, error)
}

// Aggregate tuning: the leaderboard serves high scorers, the mistake tally
// scans recent low scorers and keeps the most frequent fix titles.
const (
	bestMinScore    = 90
	bestLimit       = 12
	mistakeMaxScore = 50
	mistakeScan     = 50
	mistakeLimit    = 10
)

// Store implements analyzer.ReportStore.
type Store struct {
	cache    kv.Store
	durable  Durable
	blobs    analyzer.BlobStore
	dlq      *deadletter.Sink
	cacheTTL time.Duration
	logger   *zap.Logger
}

// New wires the cache, durable backend, blob store, and dead-letter sink.
func New(cache kv.Store, durable Durable, blobs analyzer.BlobStore, dlq *deadletter.Sink, cacheTTL time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		cache:    cache,
		durable:  durable,
		blobs:    blobs,
		dlq:      dlq,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

func urlKey(url string) string { return "report:by_url:" + hash.SHA256Hex(url) }
func idKey(id string) string   { return "report:by_id:" + id }

// Put caches the report for fast lookups and inserts the durable row. A
// durable failure is dead-lettered and does not fail the call as long as
// the cache write succeeded.
func (s *Store) Put(ctx context.Context, report analyzer.StoredReport) error {
	result := toResult(report)
	cacheErr := s.writeCache(ctx, report.URL, result)
	if cacheErr != nil {
		s.logger.Warn("report cache write failed", zap.String("id", report.ID), zap.Error(cacheErr))
	}

	if err := s.durable.Insert(ctx, report); err != nil {
		s.logger.Error("durable report insert failed", zap.String("id", report.ID), zap.Error(err))
		s.dlq.Add(ctx, "report", report.ID, report, 1, err)
		if cacheErr != nil {
			return fmt.Errorf("store report %s: %w", report.ID, err)
		}
	}
	return nil
}

// GetByURL serves a cached report for the URL, falling back to the durable
// backend and repopulating the cache on a hit.
func (s *Store) GetByURL(ctx context.Context, url string) (analyzer.ReportResult, error) {
	if result, ok := s.readCache(ctx, urlKey(url)); ok {
		return result, nil
	}
	report, err := s.durable.GetByURL(ctx, url)
	if err != nil {
		return analyzer.ReportResult{}, err
	}
	result := toResult(report)
	if err := s.writeCache(ctx, url, result); err != nil {
		s.logger.Warn("report cache repopulation failed", zap.String("id", report.ID), zap.Error(err))
	}
	return result, nil
}

// GetByID is the ID-keyed variant of GetByURL.
func (s *Store) GetByID(ctx context.Context, id string) (analyzer.ReportResult, error) {
	if result, ok := s.readCache(ctx, idKey(id)); ok {
		return result, nil
	}
	report, err := s.durable.GetByID(ctx, id)
	if err != nil {
		return analyzer.ReportResult{}, err
	}
	result := toResult(report)
	if err := s.writeCache(ctx, report.URL, result); err != nil {
		s.logger.Warn("report cache repopulation failed", zap.String("id", id), zap.Error(err))
	}
	return result, nil
}

// Delete removes the durable row, both cache keys, and the screenshot
// object. Cache and blob cleanup are best-effort.
func (s *Store) Delete(ctx context.Context, id string) error {
	report, err := s.durable.Delete(ctx, id)
	if err != nil {
		return err
	}
	s.evict(ctx, report)
	return nil
}

// DeleteByEmail purges every report submitted with the email. Returns the
// number of reports removed.
func (s *Store) DeleteByEmail(ctx context.Context, email string) (int, error) {
	reports, err := s.durable.ListByEmail(ctx, email)
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, report := range reports {
		if _, err := s.durable.Delete(ctx, report.ID); err != nil {
			if errors.Is(err, analyzer.ErrNotFound) {
				continue
			}
			return deleted, fmt.Errorf("delete report %s: %w", report.ID, err)
		}
		s.evict(ctx, report)
		deleted++
	}
	return deleted, nil
}

// Best lists the highest-scoring reports for the public leaderboard.
func (s *Store) Best(ctx context.Context) ([]analyzer.BestReport, error) {
	reports, err := s.durable.ListBest(ctx, bestMinScore, bestLimit)
	if err != nil {
		return nil, err
	}
	best := make([]analyzer.BestReport, 0, len(reports))
	for _, r := range reports {
		best = append(best, analyzer.BestReport{
			ID:      r.ID,
			URL:     r.URL,
			Score:   r.Score,
			Summary: r.Summary,
			Image:   r.ImageURL,
		})
	}
	return best, nil
}

// CommonMistakes tallies fix titles across recent low-scoring reports,
// most frequent first.
func (s *Store) CommonMistakes(ctx context.Context) ([]analyzer.MistakeCount, error) {
	reports, err := s.durable.ListLowScoring(ctx, mistakeMaxScore, mistakeScan)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, r := range reports {
		for _, fix := range r.Data.Fixes {
			title := strings.TrimSpace(fix.Title)
			if title == "" {
				continue
			}
			counts[title]++
		}
	}
	mistakes := make([]analyzer.MistakeCount, 0, len(counts))
	for title, count := range counts {
		mistakes = append(mistakes, analyzer.MistakeCount{Title: title, Count: count})
	}
	sort.Slice(mistakes, func(i, j int) bool {
		if mistakes[i].Count != mistakes[j].Count {
			return mistakes[i].Count > mistakes[j].Count
		}
		return mistakes[i].Title < mistakes[j].Title
	})
	if len(mistakes) > mistakeLimit {
		mistakes = mistakes[:mistakeLimit]
	}
	return mistakes, nil
}

func (s *Store) evict(ctx context.Context, report analyzer.StoredReport) {
	if err := s.cache.Delete(ctx, urlKey(report.URL)); err != nil {
		s.logger.Warn("cache evict failed", zap.String("id", report.ID), zap.Error(err))
	}
	if err := s.cache.Delete(ctx, idKey(report.ID)); err != nil {
		s.logger.Warn("cache evict failed", zap.String("id", report.ID), zap.Error(err))
	}
	if report.ScreenshotPath != "" && s.blobs != nil {
		if err := s.blobs.DeleteObject(ctx, report.ScreenshotPath); err != nil {
			s.logger.Warn("screenshot delete failed",
				zap.String("id", report.ID),
				zap.String("path", report.ScreenshotPath),
				zap.Error(err))
		}
	}
}

func (s *Store) readCache(ctx context.Context, key string) (analyzer.ReportResult, bool) {
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			s.logger.Warn("report cache read failed", zap.String("key", key), zap.Error(err))
		}
		return analyzer.ReportResult{}, false
	}
	var result analyzer.ReportResult
	if err := json.Unmarshal(raw, &result); err != nil {
		_ = s.cache.Delete(ctx, key)
		return analyzer.ReportResult{}, false
	}
	return result, true
}

func (s *Store) writeCache(ctx context.Context, url string, result analyzer.ReportResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode cached report: %w", err)
	}
	if err := s.cache.Put(ctx, urlKey(url), raw, s.cacheTTL); err != nil {
		return fmt.Errorf("cache report by url: %w", err)
	}
	if err := s.cache.Put(ctx, idKey(result.ID), raw, s.cacheTTL); err != nil {
		return fmt.Errorf("cache report by id: %w", err)
	}
	return nil
}

func toResult(report analyzer.StoredReport) analyzer.ReportResult {
	return analyzer.ReportResult{
		ID:    report.ID,
		Data:  report.Data,
		Image: report.ImageURL,
	}
}
