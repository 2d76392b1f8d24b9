// Package analyzer defines core types shared across subsystems.
package analyzer

import "time"

// JobStatus represents the lifecycle state of an analysis job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusQueued   JobStatus = "queued"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusError    JobStatus = "error"
)

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusComplete || s == JobStatusError
}

// Progress messages shown to clients while a job advances.
const (
	MessageQueued     = "Job queued"
	MessageConnecting = "Connecting to target website..."
	MessageScreenshot = "Capturing screenshot..."
	MessageAnalyzing  = "AI analyzing visual experience..."
	MessageFinalizing = "Generating final report..."
	MessageComplete   = "Complete"
)

// StageTimings records per-stage durations in milliseconds for observability.
type StageTimings struct {
	RenderMs  int64 `json:"render_ms,omitempty"`
	AIMs      int64 `json:"ai_ms,omitempty"`
	StorageMs int64 `json:"storage_ms,omitempty"`
	TotalMs   int64 `json:"total_ms,omitempty"`
}

// Job is the per-submission record held in the key-value job store.
type Job struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	Status       JobStatus     `json:"status"`
	Progress     int           `json:"progress"`
	Message      string        `json:"message"`
	PartialScore *int          `json:"partial_score,omitempty"`
	Result       *ReportResult `json:"result,omitempty"`
	Error        string        `json:"error,omitempty"`
	Timings      StageTimings  `json:"timings,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// JobPatch carries partial updates applied by Store.Update. Nil fields are
// left untouched.
type JobPatch struct {
	Status       *JobStatus
	Progress     *int
	Message      *string
	PartialScore *int
	Result       *ReportResult
	Error        *string
	Timings      *StageTimings
}

// FixImpact ranks how much a suggested fix is expected to move conversion.
type FixImpact string

// Supported fix impact levels.
const (
	ImpactLow    FixImpact = "low"
	ImpactMedium FixImpact = "medium"
	ImpactHigh   FixImpact = "high"
)

// ReportFix is one prioritized, actionable recommendation.
type ReportFix struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Impact      FixImpact `json:"impact,omitempty"`
}

// ReportMetrics are the three scored dimensions, each 0-100.
type ReportMetrics struct {
	ValueProp     int `json:"value_prop"`
	CTAVisibility int `json:"cta_visibility"`
	TrustDesign   int `json:"trust_design"`
}

// ReportData is the normalized model output for one page.
type ReportData struct {
	OverallScore int           `json:"overall_score"`
	Metrics      ReportMetrics `json:"metrics"`
	Summary      string        `json:"summary"`
	Fixes        []ReportFix   `json:"fixes"`
	Notes        []string      `json:"notes,omitempty"`
}

// ReportResult pairs the report payload with its public screenshot URL.
type ReportResult struct {
	ID    string     `json:"id"`
	Data  ReportData `json:"data"`
	Image string     `json:"image_url"`
}

// BestReport is a leaderboard row served by the aggregate endpoints.
type BestReport struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Score   int    `json:"score"`
	Summary string `json:"summary"`
	Image   string `json:"image"`
}

// MistakeCount tallies how often a fix title recurs across low-scoring
// reports.
type MistakeCount struct {
	Title string `json:"title"`
	Count int    `json:"count"`
}

// StoredReport is the durable row persisted for each completed analysis.
// Reports are immutable once created.
type StoredReport struct {
	ID             string     `json:"id"`
	URL            string     `json:"url"`
	Score          int        `json:"score"`
	Summary        string     `json:"summary"`
	ScreenshotPath string     `json:"screenshot_path"`
	ImageURL       string     `json:"image_url"`
	CreatedAt      time.Time  `json:"created_at"`
	UserEmail      string     `json:"user_email,omitempty"`
	Data           ReportData `json:"data"`
}

// QueueItem is the message dispatched for each accepted submission.
type QueueItem struct {
	JobID         string `json:"job_id"`
	URL           string `json:"url"`
	UserEmail     string `json:"user_email,omitempty"`
	WebhookURL    string `json:"webhook_url,omitempty"`
	WebhookSecret string `json:"webhook_secret,omitempty"`
	Submitted     int64  `json:"submitted"`
}

// RenderResult holds the two screenshots captured for one page.
type RenderResult struct {
	Full        []byte
	AI          []byte
	ContentType string
}
