// Package intent classifies an addressed message's task type via the
// LLM Gateway's small model, with a three-step JSON recovery policy
// for a model that doesn't always honor "reply with JSON only".
package intent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/local/tuolan/internal/llm"
)

// TaskType is the classifier's top-level verdict.
type TaskType string

const (
	TaskDraw    TaskType = "draw"
	TaskChat    TaskType = "chat"
	TaskCommand TaskType = "command"
	TaskOther   TaskType = "other"
)

// Classification is the decoded, validated classifier output.
type Classification struct {
	TaskType            TaskType `json:"task_type"`
	Confidence          float64  `json:"confidence"`
	IsImageModification bool     `json:"is_image_modification"`
	NeedsReferenceImage bool     `json:"needs_reference_image"`
	Reason              string   `json:"reason"`
}

func defaultResult() Classification {
	return Classification{TaskType: TaskOther, Confidence: 0.5}
}

const systemPrompt = `你是一个用户意图分类助手。分析用户的消息，快速判断用户的真实意图。

只返回 JSON，格式为：
{"task_type": "draw|chat|command|other", "confidence": 0.0-1.0, "is_image_modification": bool, "needs_reference_image": bool, "reason": "简短原因"}

不要返回任何其他文字。`

// Classifier wraps the LLM gateway's small-model call with a tolerant
// JSON recovery policy: strict parse, then fenced/brace extraction,
// then a conservative default.
type Classifier struct {
	gateway *llm.Gateway
}

// New returns a Classifier backed by gateway.
func New(gateway *llm.Gateway) *Classifier {
	return &Classifier{gateway: gateway}
}

// Classify runs the small-model call and applies the three-step
// parse policy: strict JSON, then fence-stripped balanced-brace
// extraction, then a conservative default.
func (c *Classifier) Classify(ctx context.Context, text string) Classification {
	if strings.TrimSpace(text) == "" {
		return Classification{TaskType: TaskOther, Confidence: 0, Reason: "empty message"}
	}

	result := c.gateway.Classify(ctx, systemPrompt, text)
	if !result.OK() {
		return defaultResult()
	}

	if parsed, ok := parseStrict(result.Text); ok {
		return parsed
	}
	if parsed, ok := parseRepaired(result.Text); ok {
		return parsed
	}
	return defaultResult()
}

func parseStrict(raw string) (Classification, bool) {
	var c Classification
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Classification{}, false
	}
	return normalize(c), true
}

// parseRepaired strips markdown code-fence markers and extracts the
// first balanced {...} substring before retrying the parse.
func parseRepaired(raw string) (Classification, bool) {
	cleaned := raw
	if strings.Contains(cleaned, "```") {
		cleaned = strings.ReplaceAll(cleaned, "```json", "")
		cleaned = strings.ReplaceAll(cleaned, "```", "")
		cleaned = strings.TrimSpace(cleaned)
	}

	obj, ok := extractBalancedObject(cleaned)
	if !ok {
		return Classification{}, false
	}

	var c Classification
	if err := json.Unmarshal([]byte(obj), &c); err != nil {
		return Classification{}, false
	}
	return normalize(c), true
}

// extractBalancedObject returns the substring from the first '{' to
// its matching '}', honoring nested braces and quoted strings.
func extractBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		switch {
		case escaped:
			escaped = false
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case inString:
			// inside a string literal, braces don't count
		case ch == '{':
			depth++
		case ch == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func normalize(c Classification) Classification {
	switch c.TaskType {
	case TaskDraw, TaskChat, TaskCommand, TaskOther:
	default:
		c.TaskType = TaskOther
	}
	if c.Confidence < 0 {
		c.Confidence = 0
	} else if c.Confidence > 1 {
		c.Confidence = 1
	}
	return c
}
