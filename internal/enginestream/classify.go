package enginestream

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/danshapiro/ralphy/internal/taskerr"
)

var rateLimitTextPatterns = []string{
	"rate limit",
	"too many requests",
	"quota exceeded",
	"usage limit",
	"429",
}

var connectionTextPatterns = []string{
	"connection refused",
	"connection reset",
	"econnrefused",
	"econnreset",
	"socket hang up",
	"network error",
	"unable to connect",
	"fetch failed",
}

var modelNotFoundPatterns = []string{
	"model not found",
	"unknown model",
	"no such model",
	"model_not_found",
}

var authKeywords = []string{
	"not authenticated",
	"authentication failed",
	"authentication_failed",
	"invalid api key",
	"invalid token",
	"unauthorized",
	"please run /login",
	"401",
	"403",
}

func containsAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// ClassifyTextError inspects a free-text line for known failure shapes and
// returns a structured error when one matches.
func ClassifyTextError(line string) (*taskerr.Error, bool) {
	text := strings.ToLower(strings.TrimSpace(line))
	if text == "" {
		return nil, false
	}
	switch {
	case containsAny(text, rateLimitTextPatterns):
		return taskerr.RateLimit(strings.TrimSpace(line)), true
	case containsAny(text, connectionTextPatterns):
		return taskerr.Network(strings.TrimSpace(line)), true
	case containsAny(text, modelNotFoundPatterns):
		return taskerr.Validation(strings.TrimSpace(line)), true
	}
	return nil, false
}

// AuthFailureMessage extracts an authentication failure from an event. An
// event qualifies when its type is error, it carries is_error, or its error
// field names authentication_failed; the message must then match the auth
// keyword set.
func AuthFailureMessage(ev *Event) (string, bool) {
	if ev == nil {
		return "", false
	}
	qualifies := ev.Type == "error" || ev.IsError || ev.Error == "authentication_failed"
	if !qualifies {
		return "", false
	}
	candidates := []string{ev.Message, ev.Error, ev.Text, ev.Result}
	for _, msg := range candidates {
		if msg == "" {
			continue
		}
		if containsAny(strings.ToLower(msg), authKeywords) {
			return msg, true
		}
	}
	return "", false
}

// toolReadNames are tools that inspect rather than modify.
var toolReadNames = map[string]bool{
	"read": true, "grep": true, "glob": true, "search": true,
	"ls": true, "cat": true, "view": true,
}

var toolWriteNames = map[string]bool{
	"write": true, "edit": true, "create": true, "str_replace": true,
	"multiedit": true,
}

// ActionLabel maps a tool invocation to a coarse action label for progress
// display. Command strings take precedence over the tool name so a bash tool
// running tests reads as Testing, not Implementing.
func ActionLabel(name string, input map[string]any) string {
	command := ""
	path := ""
	if input != nil {
		if v, ok := input["command"].(string); ok {
			command = strings.ToLower(v)
		}
		if v, ok := input["file_path"].(string); ok {
			path = strings.ToLower(v)
		} else if v, ok := input["path"].(string); ok {
			path = strings.ToLower(v)
		}
	}

	if command != "" {
		switch {
		case strings.Contains(command, "git commit"):
			return "Committing"
		case strings.Contains(command, "git add"):
			return "Staging"
		case strings.Contains(command, "lint"):
			return "Linting"
		case strings.Contains(command, "go test"),
			strings.Contains(command, "npm test"),
			strings.Contains(command, "pytest"),
			strings.Contains(command, "jest"),
			strings.Contains(command, "vitest"):
			return "Testing"
		}
	}

	lower := strings.ToLower(name)
	switch {
	case toolReadNames[lower]:
		return "Reading code"
	case toolWriteNames[lower]:
		if strings.Contains(path, "test") || strings.Contains(path, "spec") {
			return "Writing tests"
		}
		return "Implementing"
	}
	return ""
}

var rewardPattern = regexp.MustCompile(`(?i)reward:\s*(-?[0-9]+(?:\.[0-9]+)?)`)

// ExtractReward pulls a "reward: <float>" value out of streaming text.
func ExtractReward(line string) (float64, bool) {
	m := rewardPattern.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
