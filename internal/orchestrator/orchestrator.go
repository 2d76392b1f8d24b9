// Package orchestrator runs the analysis pipeline for one accepted
// submission: render, score, persist, complete, notify.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/7and1/thedoorpost/internal/analyzer"
	"github.com/7and1/thedoorpost/internal/metrics"
	"github.com/7and1/thedoorpost/internal/renderer"
	"github.com/7and1/thedoorpost/internal/scorer"
)

// Progress milestones reported while a job advances. 75 is only reached
// when a partial score arrives from a streaming model response.
const (
	progressConnecting = 10
	progressScreenshot = 40
	progressAnalyzing  = 70
	progressPartial    = 75
	progressFinalizing = 90
)

// Client-safe failure messages. Internal error details stay in logs.
const (
	failureTimeout  = "The page took too long to load. Please try again."
	failureRender   = "We could not capture the page. Check that the URL is reachable."
	failureScoring  = "Analysis is temporarily unavailable. Please try again in a minute."
	failureInternal = "Something went wrong processing this job. Please try again."
)

// Orchestrator wires the pipeline stages together.
type Orchestrator struct {
	jobs       analyzer.JobStore
	reports    analyzer.ReportStore
	blobs      analyzer.BlobStore
	renderer   analyzer.Renderer
	scorer     analyzer.Scorer
	notifier   analyzer.Notifier
	ids        analyzer.IDGenerator
	clock      analyzer.Clock
	metrics    *metrics.Metrics
	blobPrefix string
	logger     *zap.Logger
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Jobs       analyzer.JobStore
	Reports    analyzer.ReportStore
	Blobs      analyzer.BlobStore
	Renderer   analyzer.Renderer
	Scorer     analyzer.Scorer
	Notifier   analyzer.Notifier
	IDs        analyzer.IDGenerator
	Clock      analyzer.Clock
	Metrics    *metrics.Metrics
	BlobPrefix string
}

// New constructs an Orchestrator.
func New(deps Deps, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		jobs:       deps.Jobs,
		reports:    deps.Reports,
		blobs:      deps.Blobs,
		renderer:   deps.Renderer,
		scorer:     deps.Scorer,
		notifier:   deps.Notifier,
		ids:        deps.IDs,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		blobPrefix: deps.BlobPrefix,
		logger:     logger,
	}
}

// Run executes the pipeline for one queue item. Pipeline failures are
// recorded on the job and reported to the webhook; Run returns an error
// only when the failure could not be recorded, so the caller can request
// redelivery.
func (o *Orchestrator) Run(ctx context.Context, item analyzer.QueueItem) error {
	logger := o.logger.With(zap.String("job_id", item.JobID), zap.String("url", item.URL))
	start := o.clock.Now()

	result, timings, err := o.process(ctx, item, logger)
	if err != nil {
		logger.Error("pipeline failed", zap.Error(err))
		o.countJob(string(analyzer.JobStatusError))
		message := clientMessage(err)
		if _, failErr := o.jobs.Fail(ctx, item.JobID, message); failErr != nil {
			return fmt.Errorf("record job failure: %w", failErr)
		}
		o.notifyFailure(ctx, item, message)
		return nil
	}

	timings.TotalMs = o.clock.Now().Sub(start).Milliseconds()
	if _, err := o.jobs.Update(ctx, item.JobID, analyzer.JobPatch{Timings: &timings}); err != nil {
		logger.Warn("record stage timings failed", zap.Error(err))
	}
	if _, err := o.jobs.Complete(ctx, item.JobID, result); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	o.countJob(string(analyzer.JobStatusComplete))
	o.observeStage("total", time.Duration(timings.TotalMs)*time.Millisecond)
	logger.Info("job complete",
		zap.Int("score", result.Data.OverallScore),
		zap.Int64("total_ms", timings.TotalMs))

	o.notifySuccess(ctx, item, result)
	return nil
}

func (o *Orchestrator) process(ctx context.Context, item analyzer.QueueItem, logger *zap.Logger) (analyzer.ReportResult, analyzer.StageTimings, error) {
	var timings analyzer.StageTimings

	o.advance(ctx, item.JobID, progressConnecting, analyzer.MessageConnecting)

	renderStart := o.clock.Now()
	rendered, err := o.renderer.Render(ctx, item.URL)
	if err != nil {
		return analyzer.ReportResult{}, timings, &stageError{stage: "render", err: err}
	}
	timings.RenderMs = o.clock.Now().Sub(renderStart).Milliseconds()
	o.observeStage("render", time.Duration(timings.RenderMs)*time.Millisecond)
	o.advance(ctx, item.JobID, progressScreenshot, analyzer.MessageScreenshot)

	o.advance(ctx, item.JobID, progressAnalyzing, analyzer.MessageAnalyzing)
	aiStart := o.clock.Now()
	data, err := o.scorer.Analyze(ctx, rendered.AI, func(score int) {
		o.recordPartial(ctx, item.JobID, score)
	})
	if err != nil {
		return analyzer.ReportResult{}, timings, &stageError{stage: "score", err: err}
	}
	timings.AIMs = o.clock.Now().Sub(aiStart).Milliseconds()
	o.observeStage("ai", time.Duration(timings.AIMs)*time.Millisecond)
	o.advance(ctx, item.JobID, progressFinalizing, analyzer.MessageFinalizing)

	storageStart := o.clock.Now()
	reportID, err := o.ids.NewID()
	if err != nil {
		return analyzer.ReportResult{}, timings, &stageError{stage: "storage", err: fmt.Errorf("generate report id: %w", err)}
	}
	path := o.screenshotPath(reportID, rendered.ContentType)
	imageURL, err := o.blobs.PutObject(ctx, path, rendered.ContentType, rendered.Full)
	if err != nil {
		return analyzer.ReportResult{}, timings, &stageError{stage: "storage", err: fmt.Errorf("store screenshot: %w", err)}
	}

	report := analyzer.StoredReport{
		ID:             reportID,
		URL:            item.URL,
		Score:          data.OverallScore,
		Summary:        data.Summary,
		ScreenshotPath: path,
		ImageURL:       imageURL,
		CreatedAt:      o.clock.Now().UTC(),
		UserEmail:      item.UserEmail,
		Data:           data,
	}
	if err := o.reports.Put(ctx, report); err != nil {
		logger.Warn("report persistence degraded", zap.Error(err))
	}
	timings.StorageMs = o.clock.Now().Sub(storageStart).Milliseconds()
	o.observeStage("storage", time.Duration(timings.StorageMs)*time.Millisecond)

	return analyzer.ReportResult{ID: reportID, Data: data, Image: imageURL}, timings, nil
}

func (o *Orchestrator) advance(ctx context.Context, jobID string, progress int, message string) {
	status := analyzer.JobStatusRunning
	if _, err := o.jobs.Update(ctx, jobID, analyzer.JobPatch{
		Status:   &status,
		Progress: &progress,
		Message:  &message,
	}); err != nil {
		o.logger.Warn("progress update failed",
			zap.String("job_id", jobID), zap.Int("progress", progress), zap.Error(err))
	}
}

func (o *Orchestrator) recordPartial(ctx context.Context, jobID string, score int) {
	progress := progressPartial
	if _, err := o.jobs.Update(ctx, jobID, analyzer.JobPatch{
		Progress:     &progress,
		PartialScore: &score,
	}); err != nil {
		o.logger.Warn("partial score update failed",
			zap.String("job_id", jobID), zap.Error(err))
	}
}

func (o *Orchestrator) notifySuccess(ctx context.Context, item analyzer.QueueItem, result analyzer.ReportResult) {
	if item.WebhookURL == "" {
		return
	}
	ok := o.notifier.Notify(ctx, item.WebhookURL, map[string]any{
		"event":  "analysis.complete",
		"job_id": item.JobID,
		"url":    item.URL,
		"report": result,
	}, item.WebhookSecret)
	o.countWebhook(ok)
}

func (o *Orchestrator) notifyFailure(ctx context.Context, item analyzer.QueueItem, message string) {
	if item.WebhookURL == "" {
		return
	}
	ok := o.notifier.Notify(ctx, item.WebhookURL, map[string]any{
		"event":  "analysis.failed",
		"job_id": item.JobID,
		"url":    item.URL,
		"error":  message,
	}, item.WebhookSecret)
	o.countWebhook(ok)
}

func (o *Orchestrator) screenshotPath(reportID, contentType string) string {
	ext := ".webp"
	if contentType == "image/png" {
		ext = ".png"
	}
	prefix := strings.Trim(o.blobPrefix, "/")
	if prefix == "" {
		return reportID + ext
	}
	return prefix + "/" + reportID + ext
}

func (o *Orchestrator) countJob(status string) {
	if o.metrics != nil {
		o.metrics.JobsTotal.WithLabelValues(status).Inc()
	}
}

func (o *Orchestrator) observeStage(stage string, d time.Duration) {
	if o.metrics != nil {
		o.metrics.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

func (o *Orchestrator) countWebhook(ok bool) {
	if o.metrics == nil {
		return
	}
	outcome := "delivered"
	if !ok {
		outcome = "failed"
	}
	o.metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
}

// stageError tags a pipeline failure with the stage it occurred in so the
// submitter-facing message can be chosen without leaking internals.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// clientMessage maps internal pipeline errors to messages safe to show
// submitters.
func clientMessage(err error) string {
	switch {
	case errors.Is(err, renderer.ErrNavigationTimeout):
		return failureTimeout
	case errors.Is(err, scorer.ErrAllProvidersFailed):
		return failureScoring
	case errors.Is(err, context.DeadlineExceeded):
		return failureTimeout
	}
	var se *stageError
	if errors.As(err, &se) && se.stage == "render" {
		return failureRender
	}
	return failureInternal
}
