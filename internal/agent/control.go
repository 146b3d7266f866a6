package agent

import (
	"encoding/json"
	"strings"
)

// ReasonControl is the trailing control block of a ReAct Reason phase.
type ReasonControl struct {
	Finish          bool     `json:"finish"`
	FinalAnswer     string   `json:"final_answer,omitempty"`
	ToolsToConsider []string `json:"tools_to_consider,omitempty"`
}

// ObserveControl is the trailing control block of a ReAct Observe phase.
type ObserveControl struct {
	ShouldContinue *bool  `json:"should_continue"`
	FinalAnswer    string `json:"final_answer,omitempty"`
	RequestInput   string `json:"request_input,omitempty"`
}

var (
	reasonKeys  = []string{"finish", "final_answer", "tools_to_consider"}
	observeKeys = []string{"should_continue", "final_answer", "request_input"}
)

// ParseReasonControl extracts a Reason control block. ok is false when the
// output carries no well-formed block, in which case free is the whole text.
func ParseReasonControl(text string) (ctrl ReasonControl, free string, ok bool) {
	ok = parseControl(text, reasonKeys, &ctrl, &free)
	return ctrl, free, ok
}

// ParseObserveControl extracts an Observe control block.
func ParseObserveControl(text string) (ctrl ObserveControl, free string, ok bool) {
	ok = parseControl(text, observeKeys, &ctrl, &free)
	return ctrl, free, ok
}

// parseControl finds the JSON object that ends the text, optionally inside a
// fenced code block, and decodes it into out. Malformed or missing blocks
// leave out untouched and report false.
func parseControl(text string, keys []string, out any, free *string) bool {
	*free = strings.TrimSpace(text)
	body := *free
	fenced := false
	if strings.HasSuffix(body, "```") {
		body = strings.TrimSpace(strings.TrimSuffix(body, "```"))
		fenced = true
	}
	if !strings.HasSuffix(body, "}") {
		return false
	}

	for i := strings.LastIndex(body, "{"); i >= 0; i = strings.LastIndex(body[:i], "{") {
		candidate := body[i:]
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(candidate), &fields); err != nil {
			continue
		}
		if !hasAnyKey(fields, keys) {
			return false
		}
		if err := json.Unmarshal([]byte(candidate), out); err != nil {
			return false
		}
		prefix := strings.TrimSpace(body[:i])
		if fenced {
			if idx := strings.LastIndex(prefix, "```"); idx >= 0 {
				prefix = strings.TrimSpace(prefix[:idx])
			}
		}
		*free = prefix
		return true
	}
	return false
}

func hasAnyKey(fields map[string]json.RawMessage, keys []string) bool {
	for _, k := range keys {
		if _, ok := fields[k]; ok {
			return true
		}
	}
	return false
}
