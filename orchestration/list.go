package orchestration

import (
	"encoding/json"
	"strings"

	jsonutil "github.com/richinex/postloop/internal/json"
	"github.com/richinex/postloop/llm"
	"github.com/richinex/postloop/model"
)

var topicListSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"topics": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"topic": {"type": "string"},
					"category": {"type": "string"},
					"tags": {"type": "array", "items": {"type": "string"}}
				},
				"required": ["topic", "category", "tags"],
				"additionalProperties": false
			}
		}
	},
	"required": ["topics"],
	"additionalProperties": false
}`)

func topicListFormat() *llm.ResponseFormat {
	return llm.NewJSONSchemaFormat("topic_list", topicListSchema)
}

// NormalizeTopicList rewrites creator or fixer output into the wrapped
// {"topics": [...]} shape. A bare array is wrapped; a wrapped object is
// extracted from surrounding prose. Anything else is returned trimmed so
// the critic still sees what the model produced.
func NormalizeTopicList(raw string) string {
	unfenced := jsonutil.StripCodeFences(raw)

	if !strings.HasPrefix(unfenced, "[") {
		if obj, err := jsonutil.ExtractJSON(unfenced); err == nil && hasTopicsField(obj) {
			return obj
		}
	}

	if arr, err := jsonutil.ExtractJSONArray(unfenced); err == nil {
		wrapped, err := json.Marshal(map[string]json.RawMessage{"topics": json.RawMessage(arr)})
		if err == nil {
			return string(wrapped)
		}
	}
	return unfenced
}

func hasTopicsField(obj string) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return false
	}
	_, ok := fields["topics"]
	return ok
}

// ParseTopicList decodes a normalized artifact. Failure yields an empty,
// non-nil list.
func ParseTopicList(artifact string) []model.TopicRecord {
	var list model.TopicList
	if err := json.Unmarshal([]byte(artifact), &list); err != nil || list.Topics == nil {
		return []model.TopicRecord{}
	}
	for i := range list.Topics {
		if list.Topics[i].Tags == nil {
			list.Topics[i].Tags = []string{}
		}
	}
	return list.Topics
}
