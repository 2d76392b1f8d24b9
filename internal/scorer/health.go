package scorer

import (
	"sync"
	"time"
)

// Circuit breaker tuning: after breakerThreshold consecutive failures a
// model is skipped until breakerCooldown elapses.
const (
	breakerThreshold = 5
	breakerCooldown  = 60 * time.Second
)

// providerHealth tracks consecutive failures per model so a broken
// upstream is skipped instead of retried on every job.
type providerHealth struct {
	mu     sync.Mutex
	now    func() time.Time
	states map[string]*breakerState
}

type breakerState struct {
	failures int
	openedAt time.Time
}

func newProviderHealth(now func() time.Time) *providerHealth {
	if now == nil {
		now = time.Now
	}
	return &providerHealth{now: now, states: make(map[string]*breakerState)}
}

// isOpen reports whether the breaker for model is currently tripped. An
// expired cooldown closes the breaker and resets the failure count.
func (h *providerHealth) isOpen(model string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[model]
	if !ok || st.openedAt.IsZero() {
		return false
	}
	if h.now().Sub(st.openedAt) >= breakerCooldown {
		delete(h.states, model)
		return false
	}
	return true
}

func (h *providerHealth) recordSuccess(model string) {
	h.mu.Lock()
	delete(h.states, model)
	h.mu.Unlock()
}

func (h *providerHealth) recordFailure(model string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[model]
	if !ok {
		st = &breakerState{}
		h.states[model] = st
	}
	st.failures++
	if st.failures >= breakerThreshold && st.openedAt.IsZero() {
		st.openedAt = h.now()
	}
}
