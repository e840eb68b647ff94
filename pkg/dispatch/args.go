package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ArgumentError reports tool-call arguments the normalizer rejected. It
// becomes a tool-result string, never a crash: the model sees the message
// and retries.
type ArgumentError struct {
	Tool   string
	Detail string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Detail)
}

// ParseArguments normalizes the raw arguments of a tool call. Providers
// variously deliver a decoded object, a JSON object string (sometimes
// double-encoded), null, or nothing at all; every accepted form comes out as
// a map. Arrays and other non-object values are rejected.
func ParseArguments(tool string, raw json.RawMessage) (map[string]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj == nil {
			return map[string]any{}, nil
		}
		return obj, nil
	}

	// A JSON string whose content is itself an object.
	var nested string
	if err := json.Unmarshal(raw, &nested); err == nil {
		inner := strings.TrimSpace(nested)
		if inner == "" || inner == "null" {
			return map[string]any{}, nil
		}
		if err := json.Unmarshal([]byte(inner), &obj); err == nil && obj != nil {
			return obj, nil
		}
		return nil, &ArgumentError{Tool: tool, Detail: fmt.Sprintf("string payload is not a JSON object: %.80s", inner)}
	}

	if strings.HasPrefix(trimmed, "[") {
		return nil, &ArgumentError{Tool: tool, Detail: "arguments must be a JSON object, not an array"}
	}
	return nil, &ArgumentError{Tool: tool, Detail: fmt.Sprintf("arguments must be a JSON object, got: %.80s", trimmed)}
}
