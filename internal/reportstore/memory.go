package reportstore

import (
	"context"
	"sort"
	"sync"

	"github.com/7and1/thedoorpost/internal/analyzer"
)

// Memory is a map-backed Durable for development and tests.
type Memory struct {
	mu      sync.RWMutex
	reports map[string]analyzer.StoredReport
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{reports: make(map[string]analyzer.StoredReport)}
}

func (m *Memory) Insert(_ context.Context, report analyzer.StoredReport) error {
	m.mu.Lock()
	m.reports[report.ID] = report
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetByURL(_ context.Context, url string) (analyzer.StoredReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest analyzer.StoredReport
	found := false
	for _, r := range m.reports {
		if r.URL == url && (!found || r.CreatedAt.After(latest.CreatedAt)) {
			latest = r
			found = true
		}
	}
	if !found {
		return analyzer.StoredReport{}, analyzer.ErrNotFound
	}
	return latest, nil
}

func (m *Memory) GetByID(_ context.Context, id string) (analyzer.StoredReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[id]
	if !ok {
		return analyzer.StoredReport{}, analyzer.ErrNotFound
	}
	return r, nil
}

func (m *Memory) Delete(_ context.Context, id string) (analyzer.StoredReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return analyzer.StoredReport{}, analyzer.ErrNotFound
	}
	delete(m.reports, id)
	return r, nil
}

func (m *Memory) ListByEmail(_ context.Context, email string) ([]analyzer.StoredReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []analyzer.StoredReport
	for _, r := range m.reports {
		if r.UserEmail == email {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) ListBest(_ context.Context, minScore, limit int) ([]analyzer.StoredReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []analyzer.StoredReport
	for _, r := range m.reports {
		if r.Score >= minScore {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListLowScoring(_ context.Context, maxScore, limit int) ([]analyzer.StoredReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []analyzer.StoredReport
	for _, r := range m.reports {
		if r.Score <= maxScore {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
