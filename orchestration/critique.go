package orchestration

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	jsonutil "github.com/richinex/postloop/internal/json"
	"github.com/richinex/postloop/llm"
	"github.com/richinex/postloop/model"
)

// FallbackCritique replaces critic output that cannot be parsed.
var FallbackCritique = model.CritiqueResult{Score: 50, Critique: "parse failed"}

// Field synonyms accepted from critic output, in lookup order.
var (
	scoreFields    = []string{"score", "points"}
	critiqueFields = []string{"critique", "comment", "feedback", "reasons"}
)

var critiqueSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"score": {"type": "integer", "description": "Quality score from 0 to 100"},
		"critique": {"type": "string", "description": "Concrete problems to fix"}
	},
	"required": ["score", "critique"],
	"additionalProperties": false
}`)

func critiqueFormat() *llm.ResponseFormat {
	return llm.NewJSONSchemaFormat("critique", critiqueSchema)
}

// ParseCritique decodes critic output. It tolerates prose around the JSON
// object and the synonym field names above. The second return is false
// when the fallback was substituted.
func ParseCritique(raw string) (model.CritiqueResult, bool) {
	extracted, err := jsonutil.ExtractJSON(strings.TrimSpace(raw))
	if err != nil {
		return FallbackCritique, false
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(extracted), &fields); err != nil {
		return FallbackCritique, false
	}
	lowered := make(map[string]json.RawMessage, len(fields))
	for k, v := range fields {
		lowered[strings.ToLower(strings.TrimSpace(k))] = v
	}

	score, ok := lookupScore(lowered)
	if !ok {
		return FallbackCritique, false
	}
	return model.CritiqueResult{
		Score:    score,
		Critique: lookupCritique(lowered),
	}, true
}

func lookupScore(fields map[string]json.RawMessage) (int, bool) {
	for _, name := range scoreFields {
		raw, ok := fields[name]
		if !ok || strings.TrimSpace(string(raw)) == "null" {
			continue
		}
		var n float64
		if err := json.Unmarshal(raw, &n); err == nil {
			if score, ok := finiteScore(n); ok {
				return score, true
			}
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			s = strings.TrimSuffix(strings.TrimSpace(s), "/100")
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				if score, ok := finiteScore(f); ok {
					return score, true
				}
			}
		}
	}
	return 0, false
}

// finiteScore clamps f to [0,100] in float64, then rounds. NaN and Inf are
// rejected.
func finiteScore(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(math.Round(math.Max(0, math.Min(100, f)))), true
}

func lookupCritique(fields map[string]json.RawMessage) string {
	for _, name := range critiqueFields {
		raw, ok := fields[name]
		if !ok || strings.TrimSpace(string(raw)) == "null" {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			return strings.Join(list, "; ")
		}
		return string(raw)
	}
	return ""
}
