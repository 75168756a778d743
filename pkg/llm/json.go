package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// thinkTagPattern matches <think>...</think> blocks some reasoning models emit.
var thinkTagPattern = regexp.MustCompile(`(?s)<think>.*?</think>`)

// codeFencePattern captures the body of a ```json ... ``` (or bare ```) fence.
var codeFencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")

// ExtractJSON extracts the first JSON object from an LLM response that may
// contain <think> blocks, markdown code fences, or surrounding prose.
func ExtractJSON(response string) (string, error) {
	cleaned := thinkTagPattern.ReplaceAllString(response, "")

	// A fenced block wins over prose around it.
	if m := codeFencePattern.FindStringSubmatch(cleaned); len(m) == 2 {
		if jsonStr, ok := extractBalancedObject(m[1]); ok && json.Valid([]byte(jsonStr)) {
			return jsonStr, nil
		}
	}

	// Try each '{' in turn; prose may contain stray braces before the object.
	for offset := 0; offset < len(cleaned); {
		idx := strings.IndexByte(cleaned[offset:], '{')
		if idx < 0 {
			break
		}
		candidate := cleaned[offset+idx:]
		if jsonStr, ok := extractBalancedObject(candidate); ok && json.Valid([]byte(jsonStr)) {
			return jsonStr, nil
		}
		offset += idx + 1
	}

	return "", fmt.Errorf("no valid JSON object found in response")
}

// extractBalancedObject returns the balanced {...} prefix starting at the
// first '{' in s, honouring string literals and escapes.
func extractBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}

	return "", false
}

// ParseJSONResponse extracts a JSON object from a response and unmarshals it into T.
func ParseJSONResponse[T any](response string) (T, error) {
	var result T

	jsonStr, err := ExtractJSON(response)
	if err != nil {
		return result, err
	}

	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return result, fmt.Errorf("unmarshal JSON: %w", err)
	}

	return result, nil
}
