package safeurl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newValidator(t *testing.T, endpoint string) *Validator {
	t.Helper()
	return New(Config{
		EnableDoH:   true,
		DoHEndpoint: endpoint,
		DNSTimeout:  2 * time.Second,
		CacheTTL:    5 * time.Minute,
	}, zap.NewNop())
}

func dohServer(t *testing.T, ips ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dns-json")
		fmt.Fprint(w, `{"Answer":[`)
		for i, ip := range ips {
			if i > 0 {
				fmt.Fprint(w, ",")
			}
			fmt.Fprintf(w, `{"data":%q}`, ip)
		}
		fmt.Fprint(w, `]}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestValidateRejectsMalformedURLs(t *testing.T) {
	t.Parallel()
	v := New(Config{}, zap.NewNop())
	ctx := context.Background()

	for _, raw := range []string{"", "not a url", "ftp://example.com/file", "example.com"} {
		_, err := v.Validate(ctx, raw)
		assert.ErrorIs(t, err, ErrInvalidURL, "url %q", raw)
	}
}

func TestValidateRejectsBlockedHostnames(t *testing.T) {
	t.Parallel()
	v := New(Config{}, zap.NewNop())
	ctx := context.Background()

	for _, raw := range []string{
		"http://localhost/admin",
		"http://127.0.0.1:8080/",
		"https://metadata.google.internal/computeMetadata/v1/",
		"http://169.254.169.254/latest/meta-data/",
	} {
		_, err := v.Validate(ctx, raw)
		assert.ErrorIs(t, err, ErrBlockedHost, "url %q", raw)
	}
}

func TestValidateRejectsPrivateLiterals(t *testing.T) {
	t.Parallel()
	v := New(Config{}, zap.NewNop())
	ctx := context.Background()

	for _, raw := range []string{
		"http://10.0.0.5/",
		"http://172.16.1.1/",
		"http://192.168.1.10/",
		"http://[::1]/",
		"http://[fc00::1]/",
		"http://[fe80::1]/",
	} {
		_, err := v.Validate(ctx, raw)
		assert.ErrorIs(t, err, ErrPrivateNetwork, "url %q", raw)
	}
}

func TestValidateAcceptsPublicLiteral(t *testing.T) {
	t.Parallel()
	v := New(Config{}, zap.NewNop())
	u, err := v.Validate(context.Background(), "https://93.184.216.34/")
	require.NoError(t, err)
	assert.Equal(t, "93.184.216.34", u.Hostname())
}

func TestValidateRejectsHostResolvingPrivate(t *testing.T) {
	t.Parallel()
	srv := dohServer(t, "10.1.2.3")
	v := newValidator(t, srv.URL)

	_, err := v.Validate(context.Background(), "https://internal.example.com/")
	assert.ErrorIs(t, err, ErrPrivateNetwork)
}

func TestValidateAcceptsHostResolvingPublic(t *testing.T) {
	t.Parallel()
	srv := dohServer(t, "93.184.216.34")
	v := newValidator(t, srv.URL)

	u, err := v.Validate(context.Background(), "https://example.com/page?q=1")
	require.NoError(t, err)
	assert.Equal(t, "example.com", u.Hostname())
}

func TestValidateAllowsOnTransientDoHFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	v := newValidator(t, srv.URL)

	_, err := v.Validate(context.Background(), "https://example.com/")
	assert.NoError(t, err, "a resolver outage must not block public submissions")
}

func TestResolvePinsAddresses(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"Answer":[{"data":"93.184.216.34"}]}`)
	}))
	t.Cleanup(srv.Close)
	v := newValidator(t, srv.URL)
	ctx := context.Background()

	_, err := v.Validate(ctx, "https://example.com/")
	require.NoError(t, err)
	_, err = v.Validate(ctx, "https://example.com/other")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second validation must use the pinned answer")
}

func TestValidateWebhookRequiresHTTPS(t *testing.T) {
	t.Parallel()
	v := New(Config{}, zap.NewNop())
	ctx := context.Background()

	_, err := v.ValidateWebhook(ctx, "http://93.184.216.34/hook")
	assert.ErrorIs(t, err, ErrInvalidURL)

	_, err = v.ValidateWebhook(ctx, "https://93.184.216.34/hook")
	assert.NoError(t, err)
}
