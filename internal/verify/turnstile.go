// Package verify checks human-verification tokens against a Turnstile
// style siteverify endpoint.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

const defaultEndpoint = "https://challenges.cloudflare.com/turnstile/v0/siteverify"

// Config controls token verification.
type Config struct {
	Secret     string
	Endpoint   string
	SkipVerify bool
}

// Client implements analyzer.Verifier. When SkipVerify is set, or no
// secret is configured, every token is accepted.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Verify checks the token. Only the boolean outcome is consumed; error
// codes from the endpoint are logged for operators.
func (c *Client) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	if c.cfg.SkipVerify || c.cfg.Secret == "" {
		return true, nil
	}
	if token == "" {
		return false, nil
	}

	form := url.Values{}
	form.Set("secret", c.cfg.Secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("build siteverify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("call siteverify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("siteverify returned status %d", resp.StatusCode)
	}

	var outcome struct {
		Success    bool     `json:"success"`
		ErrorCodes []string `json:"error-codes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		return false, fmt.Errorf("decode siteverify response: %w", err)
	}
	if !outcome.Success && len(outcome.ErrorCodes) > 0 {
		c.logger.Debug("token verification rejected",
			zap.Strings("error_codes", outcome.ErrorCodes))
	}
	return outcome.Success, nil
}
