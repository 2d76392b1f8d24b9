package scorer

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/7and1/thedoorpost/internal/analyzer"
)

// reportSchema is the strict contract a model response must satisfy before
// the lenient repair pass is attempted.
const reportSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["overall_score", "metrics", "summary", "fixes"],
  "properties": {
    "overall_score": {"type": "integer", "minimum": 0, "maximum": 100},
    "metrics": {
      "type": "object",
      "required": ["value_prop", "cta_visibility", "trust_design"],
      "properties": {
        "value_prop": {"type": "integer", "minimum": 0, "maximum": 100},
        "cta_visibility": {"type": "integer", "minimum": 0, "maximum": 100},
        "trust_design": {"type": "integer", "minimum": 0, "maximum": 100}
      }
    },
    "summary": {"type": "string", "minLength": 1},
    "fixes": {
      "type": "array",
      "minItems": 3,
      "maxItems": 5,
      "items": {
        "type": "object",
        "required": ["title", "description"],
        "properties": {
          "title": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "impact": {"enum": ["low", "medium", "high"]}
        }
      }
    },
    "notes": {"type": "array", "items": {"type": "string"}}
  }
}`

var compiledSchema = jsonschema.MustCompileString("report.schema.json", reportSchema)

// defaultFixes backfill a short fixes list so clients always receive at
// least three recommendations.
var defaultFixes = []analyzer.ReportFix{
	{
		Title:       "Clarify the value proposition",
		Description: "State what the product does and who it is for in the first headline.",
		Impact:      analyzer.ImpactHigh,
	},
	{
		Title:       "Increase CTA contrast",
		Description: "Make the primary call to action visually distinct from surrounding elements.",
		Impact:      analyzer.ImpactMedium,
	},
	{
		Title:       "Add a trust signal",
		Description: "Show a customer logo, testimonial, or security badge above the fold.",
		Impact:      analyzer.ImpactMedium,
	},
}

// looseReport tolerates the shapes models actually emit: fractional scores,
// missing fields, junk impact values. Pointers distinguish absent from zero.
type looseReport struct {
	OverallScore *float64 `json:"overall_score"`
	Metrics      struct {
		ValueProp     *float64 `json:"value_prop"`
		CTAVisibility *float64 `json:"cta_visibility"`
		TrustDesign   *float64 `json:"trust_design"`
	} `json:"metrics"`
	Summary string `json:"summary"`
	Fixes   []struct {
		Title       string             `json:"title"`
		Description string             `json:"description"`
		Impact      analyzer.FixImpact `json:"impact"`
	} `json:"fixes"`
}

// parseReport decodes raw model output into a ReportData. It validates the
// strict schema first; on failure it falls back to a lenient repair that
// rounds and clamps scores, fills a missing overall score from the metric
// mean, and backfills fixes.
func parseReport(raw string) (analyzer.ReportData, error) {
	cleaned := stripFences(raw)

	var loose any
	if err := json.Unmarshal([]byte(cleaned), &loose); err != nil {
		return analyzer.ReportData{}, fmt.Errorf("decode model response: %w", err)
	}

	if err := compiledSchema.Validate(loose); err == nil {
		var data analyzer.ReportData
		if err := json.Unmarshal([]byte(cleaned), &data); err != nil {
			return analyzer.ReportData{}, fmt.Errorf("decode report fields: %w", err)
		}
		return data, nil
	}

	var partial looseReport
	if err := json.Unmarshal([]byte(cleaned), &partial); err != nil {
		return analyzer.ReportData{}, fmt.Errorf("model response failed schema validation: %w", err)
	}
	return repairReport(partial), nil
}

// repairReport applies the lenient normalization rules. A present overall
// score is kept (rounded, clamped); only an absent one is derived from the
// metric mean.
func repairReport(partial looseReport) analyzer.ReportData {
	var data analyzer.ReportData
	data.Metrics.ValueProp = clampScore(partial.Metrics.ValueProp, 0)
	data.Metrics.CTAVisibility = clampScore(partial.Metrics.CTAVisibility, 0)
	data.Metrics.TrustDesign = clampScore(partial.Metrics.TrustDesign, 0)

	mean := float64(data.Metrics.ValueProp+data.Metrics.CTAVisibility+data.Metrics.TrustDesign) / 3
	data.OverallScore = clampScore(partial.OverallScore, mean)

	data.Summary = strings.TrimSpace(partial.Summary)
	if data.Summary == "" {
		data.Summary = "Automated visual analysis of the landing page."
	}

	var fixes []analyzer.ReportFix
	for _, f := range partial.Fixes {
		title := strings.TrimSpace(f.Title)
		description := strings.TrimSpace(f.Description)
		if title == "" || description == "" {
			continue
		}
		impact := f.Impact
		if impact != analyzer.ImpactLow && impact != analyzer.ImpactMedium && impact != analyzer.ImpactHigh {
			impact = analyzer.ImpactMedium
		}
		fixes = append(fixes, analyzer.ReportFix{Title: title, Description: description, Impact: impact})
		if len(fixes) == 5 {
			break
		}
	}
	for len(fixes) < 3 && len(fixes) < len(defaultFixes) {
		fixes = append(fixes, defaultFixes[len(fixes)])
	}
	data.Fixes = fixes
	return data
}

// clampScore rounds v to the nearest integer in [0, 100]; a missing value
// takes the fallback.
func clampScore(v *float64, fallback float64) int {
	f := fallback
	if v != nil {
		f = *v
	}
	r := int(math.Round(f))
	if r < 0 {
		return 0
	}
	if r > 100 {
		return 100
	}
	return r
}

// stripFences removes a markdown code fence wrapper if the model added one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
