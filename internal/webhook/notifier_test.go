package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/deadletter"
	"github.com/7and1/thedoorpost/internal/hash"
	kvmemory "github.com/7and1/thedoorpost/internal/kv/memory"
)

func newTestNotifier(t *testing.T, maxRetries int) (*Notifier, *deadletter.Sink) {
	t.Helper()
	dlq := deadletter.New(kvmemory.New(), zap.NewNop())
	n := New(Config{Timeout: 2 * time.Second, MaxRetries: maxRetries}, dlq, zap.NewNop())
	n.sleep = func(context.Context, time.Duration) error { return nil }
	return n, dlq
}

func TestNotifySignsBody(t *testing.T) {
	t.Parallel()
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
	}))
	t.Cleanup(srv.Close)

	n, _ := newTestNotifier(t, 0)
	ok := n.Notify(context.Background(), srv.URL, map[string]any{
		"event":  "analysis.complete",
		"job_id": "j1",
	}, "topsecret")
	require.True(t, ok)

	require.True(t, strings.HasPrefix(gotSig, "sha256="))
	assert.Equal(t, "sha256="+hash.HMACSHA256Hex("topsecret", gotBody), gotSig)
	assert.True(t, hash.ValidMAC("topsecret", gotBody, strings.TrimPrefix(gotSig, "sha256=")))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, "j1", payload["job_id"])
}

func TestNotifyOmitsSignatureWithoutSecret(t *testing.T) {
	t.Parallel()
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get(SignatureHeader)
	}))
	t.Cleanup(srv.Close)

	n, _ := newTestNotifier(t, 0)
	require.True(t, n.Notify(context.Background(), srv.URL, map[string]any{"job_id": "j1"}, ""))
	assert.Empty(t, gotSig)
}

func TestNotifyRetriesThenSucceeds(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	n, dlq := newTestNotifier(t, 2)
	ok := n.Notify(context.Background(), srv.URL, map[string]any{"job_id": "j1"}, "")
	assert.True(t, ok)
	assert.Equal(t, int32(3), calls.Load())

	records, err := dlq.List(context.Background(), "webhook")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestNotifyExhaustionDeadLetters(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	n, dlq := newTestNotifier(t, 2)
	ok := n.Notify(context.Background(), srv.URL, map[string]any{"job_id": "j42"}, "")
	assert.False(t, ok)
	assert.Equal(t, int32(3), calls.Load(), "MaxRetries=2 means three attempts")

	records, err := dlq.List(context.Background(), "webhook")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "j42", records[0].Key)
	assert.Equal(t, 3, records[0].Attempts)
}

func TestNotifyUnreachableEndpoint(t *testing.T) {
	t.Parallel()
	n, dlq := newTestNotifier(t, 1)
	ok := n.Notify(context.Background(), "http://127.0.0.1:1/hook", map[string]any{"job_id": "j1"}, "")
	assert.False(t, ok)

	records, err := dlq.List(context.Background(), "webhook")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
