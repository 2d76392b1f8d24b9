package scorer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/7and1/thedoorpost/internal/analyzer"
)

const validReport = `{
	"overall_score": 72,
	"metrics": {"value_prop": 70, "cta_visibility": 80, "trust_design": 66},
	"summary": "Solid page with a clear CTA.",
	"fixes": [
		{"title": "A", "description": "a", "impact": "high"},
		{"title": "B", "description": "b", "impact": "medium"},
		{"title": "C", "description": "c", "impact": "low"}
	]
}`

func TestParseReportStrict(t *testing.T) {
	t.Parallel()
	data, err := parseReport(validReport)
	require.NoError(t, err)
	assert.Equal(t, 72, data.OverallScore)
	assert.Equal(t, 80, data.Metrics.CTAVisibility)
	assert.Len(t, data.Fixes, 3)
}

func TestParseReportStripsCodeFence(t *testing.T) {
	t.Parallel()
	data, err := parseReport("```json\n" + validReport + "\n```")
	require.NoError(t, err)
	assert.Equal(t, 72, data.OverallScore)
}

func TestParseReportRejectsNonJSON(t *testing.T) {
	t.Parallel()
	_, err := parseReport("I could not analyze this page.")
	assert.Error(t, err)
}

func TestLenientKeepsPresentOverallClamped(t *testing.T) {
	t.Parallel()
	raw := `{
		"overall_score": 400,
		"metrics": {"value_prop": 150, "cta_visibility": -20, "trust_design": 60},
		"summary": "s",
		"fixes": [
			{"title": "A", "description": "a"},
			{"title": "B", "description": "b"},
			{"title": "C", "description": "c"}
		]
	}`
	data, err := parseReport(raw)
	require.NoError(t, err)

	assert.Equal(t, 100, data.Metrics.ValueProp)
	assert.Equal(t, 0, data.Metrics.CTAVisibility)
	assert.Equal(t, 60, data.Metrics.TrustDesign)
	// The model's overall score survives repair, clamped into range.
	assert.Equal(t, 100, data.OverallScore)
}

func TestLenientDerivesMissingOverallFromMetricMean(t *testing.T) {
	t.Parallel()
	raw := `{
		"metrics": {"value_prop": 100, "cta_visibility": 0, "trust_design": 60},
		"summary": "s",
		"fixes": [
			{"title": "A", "description": "a"},
			{"title": "B", "description": "b"},
			{"title": "C", "description": "c"}
		]
	}`
	data, err := parseReport(raw)
	require.NoError(t, err)

	// (100+0+60)/3 rounded.
	assert.Equal(t, 53, data.OverallScore)
}

func TestLenientRoundsFractionalScores(t *testing.T) {
	t.Parallel()
	raw := `{
		"overall_score": 85.5,
		"metrics": {"value_prop": 70.4, "cta_visibility": 80, "trust_design": 66},
		"summary": "s",
		"fixes": [
			{"title": "A", "description": "a"},
			{"title": "B", "description": "b"},
			{"title": "C", "description": "c"}
		]
	}`
	data, err := parseReport(raw)
	require.NoError(t, err)

	assert.Equal(t, 86, data.OverallScore)
	assert.Equal(t, 70, data.Metrics.ValueProp)
}

func TestLenientBackfillsFixes(t *testing.T) {
	t.Parallel()
	raw := `{
		"overall_score": 50,
		"metrics": {"value_prop": 50, "cta_visibility": 50, "trust_design": 50},
		"summary": "s",
		"fixes": [{"title": "Only one", "description": "d", "impact": "nonsense"}]
	}`
	data, err := parseReport(raw)
	require.NoError(t, err)

	require.Len(t, data.Fixes, 3)
	assert.Equal(t, "Only one", data.Fixes[0].Title)
	assert.Equal(t, analyzer.ImpactMedium, data.Fixes[0].Impact, "unknown impact defaults to medium")
	assert.Equal(t, defaultFixes[1].Title, data.Fixes[1].Title)
	assert.Equal(t, defaultFixes[2].Title, data.Fixes[2].Title)
}

func TestLenientCapsFixesAtFive(t *testing.T) {
	t.Parallel()
	raw := `{
		"overall_score": 50,
		"metrics": {"value_prop": 50, "cta_visibility": 50, "trust_design": 50},
		"summary": "s",
		"fixes": [
			{"title": "1", "description": "d"},
			{"title": "2", "description": "d"},
			{"title": "3", "description": "d"},
			{"title": "4", "description": "d"},
			{"title": "5", "description": "d"},
			{"title": "6", "description": "d"},
			{"title": "7", "description": "d"}
		]
	}`
	data, err := parseReport(raw)
	require.NoError(t, err)
	assert.Len(t, data.Fixes, 5)
}

func TestLenientDropsEmptyFixesAndBackfillsSummary(t *testing.T) {
	t.Parallel()
	raw := `{
		"overall_score": 10,
		"metrics": {"value_prop": 10, "cta_visibility": 10, "trust_design": 10},
		"summary": "   ",
		"fixes": [
			{"title": "", "description": "d"},
			{"title": "Real", "description": "d", "impact": "high"}
		]
	}`
	data, err := parseReport(raw)
	require.NoError(t, err)

	assert.NotEmpty(t, data.Summary)
	require.Len(t, data.Fixes, 3)
	assert.Equal(t, "Real", data.Fixes[0].Title)
}
