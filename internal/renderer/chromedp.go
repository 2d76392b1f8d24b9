// Package renderer captures above-the-fold screenshots with headless
// Chrome via chromedp.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/analyzer"
)

// ErrNavigationTimeout indicates the page did not finish loading within
// the hard navigation deadline.
var ErrNavigationTimeout = errors.New("page load timeout")

// Viewport sizes: the full screenshot covers a desktop viewport, the AI
// screenshot is smaller to keep vision-model payloads cheap.
const (
	fullWidth  = 1440
	fullHeight = 900
	aiWidth    = 1024
	aiHeight   = 720

	webpQuality = 80
)

// Config controls the behavior of the renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
}

// Chromedp implements analyzer.Renderer using headless Chrome.
type Chromedp struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// New creates a renderer backed by a shared Chrome exec allocator. Each
// Render call opens an isolated browser session.
func New(cfg Config, logger *zap.Logger) (*Chromedp, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Chromedp{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
		logger:      logger,
	}, nil
}

// Close cancels the allocator context, tearing down any running browsers.
func (r *Chromedp) Close() {
	r.allocCancel()
}

// Render navigates to url and captures the full and AI screenshots. The
// browser session and both contexts are released on every exit path.
func (r *Chromedp) Render(ctx context.Context, url string) (analyzer.RenderResult, error) {
	if err := r.acquire(ctx); err != nil {
		return analyzer.RenderResult{}, err
	}
	defer r.release()

	taskCtx, taskCancel := chromedp.NewContext(r.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, r.cfg.NavigationTimeout)
	defer cancel()

	r.blockHeavyResources(taskCtx)

	start := time.Now()
	if err := chromedp.Run(taskCtx,
		r.setupAction(),
		emulation.SetDeviceMetricsOverride(fullWidth, fullHeight, 1, false),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			r.logger.Warn("navigation timed out",
				zap.String("url", url),
				zap.Duration("elapsed", time.Since(start)))
			return analyzer.RenderResult{}, fmt.Errorf("%w: %s", ErrNavigationTimeout, url)
		}
		return analyzer.RenderResult{}, fmt.Errorf("render %s: %w", url, err)
	}

	full, contentType, err := r.screenshotWithFallback(taskCtx)
	if err != nil {
		return analyzer.RenderResult{}, fmt.Errorf("capture full screenshot: %w", err)
	}

	if err := chromedp.Run(taskCtx,
		emulation.SetDeviceMetricsOverride(aiWidth, aiHeight, 1, false),
	); err != nil {
		return analyzer.RenderResult{}, fmt.Errorf("resize for ai screenshot: %w", err)
	}
	ai, err := r.screenshot(taskCtx, contentType)
	if err != nil {
		return analyzer.RenderResult{}, fmt.Errorf("capture ai screenshot: %w", err)
	}

	return analyzer.RenderResult{Full: full, AI: ai, ContentType: contentType}, nil
}

func (r *Chromedp) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		patterns := []*fetch.RequestPattern{
			{ResourceType: network.ResourceTypeMedia},
			{ResourceType: network.ResourceTypeFont},
		}
		if err := fetch.Enable().WithPatterns(patterns).Do(ctx); err != nil {
			return fmt.Errorf("enable fetch interception: %w", err)
		}
		return nil
	})
}

// blockHeavyResources aborts media and font requests before navigation so
// slow assets cannot eat the navigation budget.
func (r *Chromedp) blockHeavyResources(taskCtx context.Context) {
	chromedp.ListenTarget(taskCtx, func(ev any) {
		paused, ok := ev.(*fetch.EventRequestPaused)
		if !ok {
			return
		}
		go func() {
			c := chromedp.FromContext(taskCtx)
			execCtx := cdp.WithExecutor(taskCtx, c.Target)
			var err error
			switch paused.ResourceType {
			case network.ResourceTypeMedia, network.ResourceTypeFont:
				err = fetch.FailRequest(paused.RequestID, network.ErrorReasonBlockedByClient).Do(execCtx)
			default:
				err = fetch.ContinueRequest(paused.RequestID).Do(execCtx)
			}
			if err != nil && taskCtx.Err() == nil {
				r.logger.Debug("request interception failed", zap.Error(err))
			}
		}()
	})
}

// screenshotWithFallback prefers WebP and falls back to PNG when the
// browser cannot encode WebP.
func (r *Chromedp) screenshotWithFallback(ctx context.Context) ([]byte, string, error) {
	shot, err := r.screenshot(ctx, "image/webp")
	if err == nil {
		return shot, "image/webp", nil
	}
	if ctx.Err() != nil {
		return nil, "", err
	}
	r.logger.Debug("webp screenshot failed, falling back to png", zap.Error(err))
	shot, err = r.screenshot(ctx, "image/png")
	if err != nil {
		return nil, "", err
	}
	return shot, "image/png", nil
}

func (r *Chromedp) screenshot(ctx context.Context, contentType string) ([]byte, error) {
	var buf []byte
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		capture := page.CaptureScreenshot()
		if contentType == "image/webp" {
			capture = capture.WithFormat(page.CaptureScreenshotFormatWebp).WithQuality(webpQuality)
		} else {
			capture = capture.WithFormat(page.CaptureScreenshotFormatPng)
		}
		shot, err := capture.Do(ctx)
		if err != nil {
			return fmt.Errorf("capture screenshot: %w", err)
		}
		buf = shot
		return nil
	}))
	return buf, err
}

func (r *Chromedp) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("render slot wait canceled: %w", ctx.Err())
	}
}

func (r *Chromedp) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}
