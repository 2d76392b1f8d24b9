// Package scorer turns a landing page screenshot into a structured
// conversion report via an OpenAI-compatible vision model API.
package scorer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/analyzer"
)

// ErrAllProvidersFailed is returned when every configured model was either
// circuit-broken or exhausted its retry budget.
var ErrAllProvidersFailed = errors.New("all scoring providers failed")

// Retry tuning. Retry-After on a 429 is honored but never waited on for
// longer than retryAfterCap.
const (
	backoffBase   = time.Second
	backoffCap    = 8 * time.Second
	retryAfterCap = 10 * time.Second
	jitterMax     = 250 * time.Millisecond
)

// Model call parameters. JSON response mode keeps the output parseable
// without fence stripping; a low temperature keeps scores stable.
const (
	modelTemperature = 0.2
	modelMaxTokens   = 900
)

var partialScoreRe = regexp.MustCompile(`"overall_score"\s*:\s*(\d{1,3})`)

// Config tunes the model client.
type Config struct {
	BaseURL    string
	APIKeys    []string
	Models     []string
	Stream     bool
	MaxRetries int
	Timeout    time.Duration
	Mock       bool

	// Now feeds the circuit breaker clock; nil means time.Now.
	Now func() time.Time
}

// Client implements analyzer.Scorer against a chat-completions endpoint.
// It rotates credentials round-robin, retries transient failures with
// exponential backoff, and falls through an ordered model candidate list.
type Client struct {
	cfg    Config
	http   *http.Client
	health *providerHealth
	keys   *keyRing
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	// onAttempt, when set, observes every model call with its outcome
	// ("ok", "retryable", "permanent").
	onAttempt func(model, outcome string)
}

// SetAttemptObserver installs a per-call observer, typically a metrics
// counter. Must be called before Analyze.
func (c *Client) SetAttemptObserver(fn func(model, outcome string)) {
	c.onAttempt = fn
}

func (c *Client) observeAttempt(model, outcome string) {
	if c.onAttempt != nil {
		c.onAttempt(model, outcome)
	}
}

// New constructs a Client. Defaults are filled for unset tuning fields.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	if len(cfg.Models) == 0 {
		cfg.Models = []string{"gpt-4o"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		health: newProviderHealth(cfg.Now),
		keys:   newKeyRing(cfg.APIKeys),
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Analyze scores the screenshot. onPartial fires at most once, as soon as
// an overall score is decodable from a streaming response.
func (c *Client) Analyze(ctx context.Context, image []byte, onPartial analyzer.PartialScoreFunc) (analyzer.ReportData, error) {
	if c.cfg.Mock {
		return c.mockAnalyze(ctx, onPartial)
	}

	var lastErr error
	for _, model := range c.cfg.Models {
		if c.health.isOpen(model) {
			c.logger.Warn("model circuit open, skipping", zap.String("model", model))
			continue
		}
		data, err := c.analyzeWithModel(ctx, model, image, onPartial)
		if err == nil {
			c.health.recordSuccess(model)
			return data, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return analyzer.ReportData{}, fmt.Errorf("scoring canceled: %w", ctx.Err())
		}
		c.logger.Warn("model exhausted, trying next candidate",
			zap.String("model", model), zap.Error(err))
	}
	if lastErr != nil {
		return analyzer.ReportData{}, fmt.Errorf("%w: %v", ErrAllProvidersFailed, lastErr)
	}
	return analyzer.ReportData{}, ErrAllProvidersFailed
}

// analyzeWithModel runs the per-model retry loop.
func (c *Client) analyzeWithModel(ctx context.Context, model string, image []byte, onPartial analyzer.PartialScoreFunc) (analyzer.ReportData, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, backoffDelay(attempt, lastErr)); err != nil {
				return analyzer.ReportData{}, err
			}
		}
		data, err := c.callModel(ctx, model, image, onPartial)
		if err == nil {
			c.observeAttempt(model, "ok")
			return data, nil
		}
		c.health.recordFailure(model)
		lastErr = err

		var se *statusError
		if errors.As(err, &se) && se.permanent() {
			c.observeAttempt(model, "permanent")
			return analyzer.ReportData{}, fmt.Errorf("model %s rejected request: %w", model, err)
		}
		c.observeAttempt(model, "retryable")
		if ctx.Err() != nil {
			return analyzer.ReportData{}, fmt.Errorf("model %s: %w", model, err)
		}
	}
	return analyzer.ReportData{}, fmt.Errorf("model %s: %w", model, lastErr)
}

func (c *Client) callModel(ctx context.Context, model string, image []byte, onPartial analyzer.PartialScoreFunc) (analyzer.ReportData, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model:          model,
		Stream:         c.cfg.Stream,
		ResponseFormat: responseFormat{Type: "json_object"},
		Temperature:    modelTemperature,
		MaxTokens:      modelMaxTokens,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Parts: []contentPart{
				{Type: "text", Text: userPrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURI(image)}},
			}},
		},
	})
	if err != nil {
		return analyzer.ReportData{}, fmt.Errorf("encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		strings.TrimSuffix(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return analyzer.ReportData{}, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.keys.next())

	resp, err := c.http.Do(req)
	if err != nil {
		return analyzer.ReportData{}, fmt.Errorf("call model: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return analyzer.ReportData{}, &statusError{
			code:       resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			body:       string(snippet),
		}
	}

	var raw string
	if c.cfg.Stream {
		raw, err = readStream(resp.Body, onPartial)
	} else {
		raw, err = readComplete(resp.Body)
	}
	if err != nil {
		return analyzer.ReportData{}, err
	}
	return parseReport(raw)
}

func (c *Client) mockAnalyze(ctx context.Context, onPartial analyzer.PartialScoreFunc) (analyzer.ReportData, error) {
	if err := c.sleep(ctx, 50*time.Millisecond); err != nil {
		return analyzer.ReportData{}, err
	}
	data := mockReport()
	if onPartial != nil {
		onPartial(data.OverallScore)
	}
	return data, nil
}

// mockReport returns a deterministic report used when scoring is mocked.
func mockReport() analyzer.ReportData {
	return analyzer.ReportData{
		OverallScore: 78,
		Metrics: analyzer.ReportMetrics{
			ValueProp:     75,
			CTAVisibility: 80,
			TrustDesign:   70,
		},
		Summary: "The page presents a workable layout with a visible call to action, but the value proposition could be sharper and trust signals are light above the fold.",
		Fixes:   append([]analyzer.ReportFix(nil), defaultFixes...),
	}
}

// readStream consumes an SSE chat-completions stream, accumulating content
// deltas. onPartial fires once when the overall score first appears.
func readStream(r io.Reader, onPartial analyzer.PartialScoreFunc) (string, error) {
	var content strings.Builder
	partialSent := false

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		for _, choice := range chunk.Choices {
			content.WriteString(choice.Delta.Content)
		}
		if !partialSent && onPartial != nil {
			if m := partialScoreRe.FindStringSubmatch(content.String()); m != nil {
				if score, err := strconv.Atoi(m[1]); err == nil && score <= 100 {
					onPartial(score)
					partialSent = true
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read model stream: %w", err)
	}
	if content.Len() == 0 {
		return "", errors.New("empty model stream")
	}
	return content.String(), nil
}

func readComplete(r io.Reader) (string, error) {
	var resp chatResponse
	if err := json.NewDecoder(r).Decode(&resp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("chat response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// statusError classifies an HTTP failure for the retry loop. 429 is
// retryable; any other 4xx is not.
type statusError struct {
	code       int
	retryAfter time.Duration
	body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("model returned status %d: %s", e.code, e.body)
}

func (e *statusError) permanent() bool {
	return e.code >= 400 && e.code < 500 && e.code != http.StatusTooManyRequests
}

func backoffDelay(attempt int, lastErr error) time.Duration {
	var se *statusError
	if errors.As(lastErr, &se) && se.code == http.StatusTooManyRequests && se.retryAfter > 0 {
		if se.retryAfter > retryAfterCap {
			return retryAfterCap
		}
		return se.retryAfter
	}
	delay := backoffBase << (attempt - 1)
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay + time.Duration(rand.Int63n(int64(jitterMax)))
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backoff wait canceled: %w", ctx.Err())
	}
}

func dataURI(image []byte) string {
	return "data:image/webp;base64," + base64.StdEncoding.EncodeToString(image)
}

// keyRing hands out API keys round-robin so quota spreads across
// credentials.
type keyRing struct {
	keys []string
	idx  atomic.Uint64
}

func newKeyRing(keys []string) *keyRing {
	return &keyRing{keys: keys}
}

func (r *keyRing) next() string {
	if len(r.keys) == 0 {
		return ""
	}
	n := r.idx.Add(1) - 1
	return r.keys[n%uint64(len(r.keys))]
}

// Wire types for the chat-completions API.

type chatRequest struct {
	Model          string         `json:"model"`
	Stream         bool           `json:"stream"`
	ResponseFormat responseFormat `json:"response_format"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens"`
	Messages       []chatMessage  `json:"messages"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []contentPart `json:"-"`
}

// MarshalJSON emits either the plain string content or the multimodal
// parts array, matching what the API expects per role.
func (m chatMessage) MarshalJSON() ([]byte, error) {
	if len(m.Parts) > 0 {
		return json.Marshal(struct {
			Role    string        `json:"role"`
			Content []contentPart `json:"content"`
		}{m.Role, m.Parts})
	}
	return json.Marshal(struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{m.Role, m.Content})
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}
