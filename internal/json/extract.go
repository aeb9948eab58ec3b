// Package json provides JSON extraction utilities for parsing LLM responses.
//
// LLMs often return JSON embedded in text or with additional commentary.
// This package provides utilities to extract and parse JSON from such responses.
package json

import (
	"encoding/json"
	"fmt"
	"strings"
)

// extractDelimited finds and returns the JSON portion of a response string
// bounded by open and close. It handles common LLM response patterns:
// 1. Pure JSON response - returns the full response
// 2. JSON wrapped in markdown code blocks (```json ... ```)
// 3. JSON embedded in text - first open to last close
//
// Limitations:
// - Uses simple delimiter matching, not full JSON parsing
// - May fail if delimiters appear in surrounding prose
func extractDelimited(response string, open, close byte) (string, error) {
	response = stripMarkdownCodeBlocks(response)

	// Try full response first
	if strings.HasPrefix(response, string(open)) && json.Valid([]byte(response)) {
		return response, nil
	}

	start := strings.IndexByte(response, open)
	if start != -1 {
		end := strings.LastIndexByte(response, close)
		if end != -1 && end > start {
			jsonStr := response[start : end+1]
			if json.Valid([]byte(jsonStr)) {
				return jsonStr, nil
			}
		}
	}

	preview := response
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	return "", fmt.Errorf("failed to extract valid JSON from response: %q", preview)
}

// stripMarkdownCodeBlocks removes markdown code block markers from a response.
// Handles patterns like ```json\n...\n``` or ```\n...\n```
func stripMarkdownCodeBlocks(response string) string {
	trimmed := strings.TrimSpace(response)

	if strings.HasPrefix(trimmed, "```json") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimSpace(trimmed)
	} else if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	if strings.HasSuffix(trimmed, "```") {
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	return trimmed
}

// ExtractJSON extracts the JSON object portion from a response string.
// Returns the raw JSON string suitable for further processing.
func ExtractJSON(response string) (string, error) {
	return extractDelimited(response, '{', '}')
}

// ExtractJSONArray extracts a JSON array from a response string using the
// same rules as ExtractJSON with '[' and ']' as delimiters.
func ExtractJSONArray(response string) (string, error) {
	return extractDelimited(response, '[', ']')
}

// StripCodeFences removes a surrounding markdown code block, if any,
// and trims whitespace.
func StripCodeFences(response string) string {
	return stripMarkdownCodeBlocks(response)
}
