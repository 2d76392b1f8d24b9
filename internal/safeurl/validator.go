// Package safeurl validates analysis and webhook target URLs against
// server-side request forgery. Hostnames are resolved through DNS-over-HTTPS
// and the resolved addresses are pinned so they cannot change between the
// safety check and the actual fetch.
package safeurl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Classified validation failures.
var (
	ErrInvalidURL     = errors.New("invalid URL")
	ErrBlockedHost    = errors.New("blocked hostname")
	ErrPrivateNetwork = errors.New("target resolves to a private network")
	ErrDNSTimeout     = errors.New("DNS resolution timeout")
)

const maxDoHResponseBytes = 1 << 20

// blockedHostnames are rejected before any resolution happens.
var blockedHostnames = map[string]struct{}{
	"localhost":                {},
	"127.0.0.1":                {},
	"0.0.0.0":                  {},
	"::1":                      {},
	"metadata.google.internal": {},
	"169.254.169.254":          {},
}

var privateV4Prefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("0.0.0.0/16"),
}

var privateV6Prefixes = []netip.Prefix{
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// Config controls resolution behavior.
type Config struct {
	// EnableDoH disables hostname resolution entirely when false; literal
	// IPs are still classified.
	EnableDoH   bool
	DoHEndpoint string
	DNSTimeout  time.Duration
	CacheTTL    time.Duration
}

type pinned struct {
	addrs    []netip.Addr
	resolved time.Time
}

// Validator classifies target URLs and resolves hostnames with pinning.
type Validator struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]pinned
	now   func() time.Time
}

// New constructs a Validator.
func New(cfg Config, logger *zap.Logger) *Validator {
	if cfg.DoHEndpoint == "" {
		cfg.DoHEndpoint = "https://cloudflare-dns.com/dns-query"
	}
	if cfg.DNSTimeout <= 0 {
		cfg.DNSTimeout = 15 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.DNSTimeout},
		logger: logger,
		cache:  make(map[string]pinned),
		now:    time.Now,
	}
}

// Validate checks rawURL for SSRF safety and returns the parsed URL.
func (v *Validator) Validate(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidURL)
	}

	host := strings.ToLower(u.Hostname())
	if _, blocked := blockedHostnames[host]; blocked {
		return nil, ErrBlockedHost
	}

	if addr, parseErr := netip.ParseAddr(host); parseErr == nil {
		if isPrivate(addr) {
			return nil, ErrPrivateNetwork
		}
		return u, nil
	}

	if !v.cfg.EnableDoH {
		return u, nil
	}
	addrs, err := v.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if isPrivate(addr) {
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrPrivateNetwork, host, addr)
		}
	}
	return u, nil
}

// ValidateWebhook applies Validate and additionally requires https.
func (v *Validator) ValidateWebhook(ctx context.Context, rawURL string) (*url.URL, error) {
	u, err := v.Validate(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("%w: webhook target must use https", ErrInvalidURL)
	}
	return u, nil
}

// resolve returns the pinned address set for host, querying DoH on a cache
// miss. The pin prevents a rebinding attack from swapping the address
// between check and use.
func (v *Validator) resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	now := v.now()
	v.mu.Lock()
	if p, ok := v.cache[host]; ok && now.Sub(p.resolved) < v.cfg.CacheTTL {
		addrs := p.addrs
		v.mu.Unlock()
		return addrs, nil
	}
	v.mu.Unlock()

	addrs, err := v.query(ctx, host)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.cache[host] = pinned{addrs: addrs, resolved: now}
	v.mu.Unlock()
	return addrs, nil
}

type dohAnswer struct {
	Answer []struct {
		Data string `json:"data"`
	} `json:"Answer"`
}

func (v *Validator) query(ctx context.Context, host string) ([]netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.DNSTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s?name=%s&type=A", v.cfg.DoHEndpoint, url.QueryEscape(host))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build doh request: %w", err)
	}
	req.Header.Set("Accept", "application/dns-json")

	resp, err := v.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, ErrDNSTimeout
		}
		v.logger.Warn("doh query failed", zap.String("host", host), zap.Error(err))
		return nil, nil
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			v.logger.Warn("close doh response", zap.Error(closeErr))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		v.logger.Warn("doh query non-200", zap.String("host", host), zap.Int("status", resp.StatusCode))
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDoHResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read doh response: %w", err)
	}
	var parsed dohAnswer
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode doh response: %w", err)
	}

	var addrs []netip.Addr
	for _, ans := range parsed.Answer {
		if addr, parseErr := netip.ParseAddr(ans.Data); parseErr == nil {
			addrs = append(addrs, addr)
		}
	}
	return addrs, nil
}

func isPrivate(addr netip.Addr) bool {
	prefixes := privateV4Prefixes
	if addr.Is6() && !addr.Is4In6() {
		prefixes = privateV6Prefixes
	}
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
