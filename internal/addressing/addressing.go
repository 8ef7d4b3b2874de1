// Package addressing decides whether a message addresses the bot:
// mention detection, the mentions-someone-else veto, the silence
// heuristic, the command parser, and the deterministic engage score.
// The LLM-backed task classifier lives in internal/intent.
package addressing

import (
	"strconv"
	"strings"
)

// Mention is one entry in an event's mentions list.
type Mention struct {
	AppID string
	Name  string
}

// MentionedBot checks app-id mentions, then name mentions, then a raw
// @name substring in the text; any match wins.
func MentionedBot(mentions []Mention, text, botAppID, botName string) bool {
	for _, m := range mentions {
		if botAppID != "" && m.AppID == botAppID {
			return true
		}
	}
	for _, m := range mentions {
		if botName != "" && strings.TrimSpace(m.Name) == botName {
			return true
		}
	}
	return strings.Contains(text, "@"+botName)
}

// MentionsSomeoneElse is true when mentions is non-empty but none of
// them resolve to the bot — used to veto sticky-window replies.
func MentionsSomeoneElse(mentions []Mention, text, botAppID, botName string) bool {
	if len(mentions) == 0 {
		return false
	}
	return !MentionedBot(mentions, text, botAppID, botName)
}

// zipKeywords is the fixed phrase list that asks the bot to stay
// quiet.
var zipKeywords = []string{
	"啥都不用做", "你呆着就好", "别说话", "闭嘴",
	"安静点", "不用回", "不用回复", "不需要你",
}

// ShouldZipReply reports whether text asks the bot to stay silent.
func ShouldZipReply(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	for _, kw := range zipKeywords {
		if strings.Contains(t, kw) {
			return true
		}
	}
	return false
}

// engageKeywords is the fixed proactive-trigger phrase list.
var engageKeywords = []string{
	"怎么", "如何", "为啥", "为什么", "怎么办",
	"谁知道", "有链接吗", "总结", "结论", "进展", "?", "？",
}

// EngageScore is a deterministic keyword/punctuation tally clamped to
// [0,1], used by the proactive-reply branch.
func EngageScore(text string) float64 {
	lower := strings.ToLower(text)
	score := 0.0
	for _, kw := range engageKeywords {
		if strings.Contains(text, kw) || strings.Contains(lower, kw) {
			score += 0.2
		}
	}
	if strings.Contains(text, "?") || strings.Contains(text, "？") {
		score += 0.2
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Command is a parsed "/name arg arg..." instruction.
type Command struct {
	Name string
	Args []string
}

// ParseCommand recognizes a "/name arg arg..." instruction. Returns
// ok=false if text isn't a command.
func ParseCommand(text string) (Command, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return Command{}, false
	}
	parts := strings.Fields(trimmed)
	if len(parts) == 0 {
		return Command{}, false
	}
	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	return Command{Name: name, Args: parts[1:]}, true
}

// ParseThreshold parses and clamps a /settings threshold value to [0, 1].
func ParseThreshold(raw string) (float64, bool) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	if v < 0 {
		v = 0
	} else if v > 1 {
		v = 1
	}
	return v, true
}

var validModes = map[string]bool{"quiet": true, "normal": true, "active": true}

// ValidMode reports whether mode is one of quiet/normal/active.
func ValidMode(mode string) bool {
	return validModes[strings.ToLower(mode)]
}
