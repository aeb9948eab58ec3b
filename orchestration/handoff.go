// Topic list contract checks between list-mode stages.
//
// Information Hiding:
// - Required field, count and duplicate rules hidden
// - Findings reported as ValidationResult, never as errors

package orchestration

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/richinex/postloop/model"
)

// TopicContract describes what a creator or fixer must hand to the critic.
type TopicContract struct {
	Count          int
	ExistingTopics []string
}

// Validate checks a wrapped topic list artifact against the contract.
// Count mismatches, duplicates and collisions with existing topics are
// warnings; unparseable output and missing required fields are errors.
func (c TopicContract) Validate(artifact string) ValidationResult {
	var list model.TopicList
	if err := json.Unmarshal([]byte(artifact), &list); err != nil {
		expected := "JSON object with a topics array"
		return NewValidationFailure([]ValidationError{{
			Field:     "topics",
			ErrorType: "Unparseable",
			Message:   fmt.Sprintf("Topic list is not valid JSON: %v", err),
			Expected:  &expected,
		}})
	}

	var errors []ValidationError
	var warnings []string

	if c.Count > 0 && len(list.Topics) != c.Count {
		warnings = append(warnings, fmt.Sprintf(
			"Expected %d topics, got %d", c.Count, len(list.Topics),
		))
	}

	existing := make(map[string]bool, len(c.ExistingTopics))
	for _, t := range c.ExistingTopics {
		existing[topicKey(t)] = true
	}
	seen := make(map[string]int, len(list.Topics))

	for i, rec := range list.Topics {
		required := [][2]string{{"topic", rec.Topic}, {"category", rec.Category}}
		for _, fv := range required {
			field, value := fv[0], fv[1]
			if strings.TrimSpace(value) == "" {
				expected := "present"
				actual := "missing"
				errors = append(errors, ValidationError{
					Field:     "topics[" + strconv.Itoa(i) + "]." + field,
					ErrorType: "MissingRequired",
					Message:   fmt.Sprintf("Required field '%s' is missing", field),
					Expected:  &expected,
					Actual:    &actual,
				})
			}
		}

		key := topicKey(rec.Topic)
		if key == "" {
			continue
		}
		if prev, dup := seen[key]; dup {
			warnings = append(warnings, fmt.Sprintf("Topic %d duplicates topic %d: %q", i, prev, rec.Topic))
		} else {
			seen[key] = i
		}
		if existing[key] {
			warnings = append(warnings, fmt.Sprintf("Topic %d was already covered: %q", i, rec.Topic))
		}
	}

	if len(errors) == 0 {
		return NewValidationSuccess().WithWarnings(warnings)
	}
	return NewValidationFailure(errors).WithWarnings(warnings)
}

func topicKey(topic string) string {
	return strings.ToLower(strings.Join(strings.Fields(topic), " "))
}
