// Package enginestream parses the engine CLI's line-delimited JSON output.
// Lines are a mix of JSON event objects and free text; JSON objects are
// extracted with bracket balancing, validated against the event union
// schema, and everything else is preserved as text.
package enginestream

import (
	"encoding/json"
	"strings"

	"github.com/danshapiro/ralphy/internal/taskerr"
)

// Event is one engine stream event. The field set is the union of the six
// variants; Type selects which fields are meaningful.
type Event struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// error
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// step_start / step_finish
	Step   string          `json:"step,omitempty"`
	Part   *StepPart       `json:"part,omitempty"`
	Tokens json.RawMessage `json:"tokens,omitempty"`

	// result
	Result string `json:"result,omitempty"`
	Usage  *Usage `json:"usage,omitempty"`

	raw []byte
}

// StepPart carries per-step token accounting on step_finish events.
type StepPart struct {
	Tokens *TokenPair `json:"tokens,omitempty"`
}

// TokenPair is the {input, output} token object used by step_finish.
type TokenPair struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

// Usage holds authoritative token counts from result events.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Raw returns the original JSON bytes the event was decoded from, or nil for
// synthesized text events.
func (e *Event) Raw() []byte { return e.raw }

// ExtractJSON scans line for one complete JSON object starting at the first
// non-space byte. It tracks string literals and escapes so braces inside
// strings do not affect balancing. remaining is whatever follows the object.
func ExtractJSON(line string) (raw string, remaining string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return "", line, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return trimmed[:i+1], trimmed[i+1:], true
				}
			}
		}
	}
	return "", line, false
}

// ParseLine turns one stream line into an Event. JSON objects that decode
// and validate against the union schema become typed events; everything
// else, including objects of unknown shape, is preserved as a text event.
// remaining is trailing content after an extracted object.
func ParseLine(line string) (ev *Event, remaining string) {
	raw, rest, ok := ExtractJSON(line)
	if !ok {
		return textEvent(line), ""
	}
	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return textEvent(line), ""
	}
	if err := eventSchema.Validate(generic); err != nil {
		return textEvent(line), ""
	}
	var parsed Event
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return textEvent(line), ""
	}
	parsed.raw = []byte(raw)
	if parsed.Type == "tool_use" && parsed.Name == "" {
		// tool_use without a name carries nothing actionable.
		parsed.Name = "unknown"
	}
	return &parsed, strings.TrimSpace(rest)
}

func textEvent(line string) *Event {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	return &Event{Type: "text", Text: line}
}

// TokenDelta extracts the token counts an event contributes. result usage is
// authoritative; step_finish falls back to part.tokens, then the top-level
// tokens field which may be an {input, output} object or a bare count
// (counted as output).
func TokenDelta(ev *Event) (input, output int64, ok bool) {
	if ev == nil {
		return 0, 0, false
	}
	switch ev.Type {
	case "result":
		if ev.Usage != nil {
			return ev.Usage.InputTokens, ev.Usage.OutputTokens, true
		}
	case "step_finish":
		if ev.Part != nil && ev.Part.Tokens != nil {
			return ev.Part.Tokens.Input, ev.Part.Tokens.Output, true
		}
		if len(ev.Tokens) > 0 {
			var pair TokenPair
			if err := json.Unmarshal(ev.Tokens, &pair); err == nil && (pair.Input != 0 || pair.Output != 0) {
				return pair.Input, pair.Output, true
			}
			var bare int64
			if err := json.Unmarshal(ev.Tokens, &bare); err == nil && bare > 0 {
				return 0, bare, true
			}
		}
	}
	return 0, 0, false
}

// Collector accumulates the semantic content of one engine run: token
// totals, action labels in order, structured errors, and the first
// authentication failure.
type Collector struct {
	InputTokens  int64
	OutputTokens int64
	Actions      []string
	Errors       []*taskerr.Error
	AuthFailure  string
	LastResult   string
}

// Feed processes one stream line and returns the parsed event, or nil for
// blank lines. Trailing text after an embedded JSON object is classified
// for errors as well.
func (c *Collector) Feed(line string) *Event {
	ev, remaining := ParseLine(line)
	if ev == nil {
		return nil
	}
	c.absorb(ev)
	if remaining != "" {
		if terr, ok := ClassifyTextError(remaining); ok {
			c.Errors = append(c.Errors, terr)
		}
	}
	return ev
}

func (c *Collector) absorb(ev *Event) {
	if in, out, ok := TokenDelta(ev); ok {
		c.InputTokens += in
		c.OutputTokens += out
	}
	switch ev.Type {
	case "tool_use":
		if label := ActionLabel(ev.Name, ev.Input); label != "" {
			if n := len(c.Actions); n == 0 || c.Actions[n-1] != label {
				c.Actions = append(c.Actions, label)
			}
		}
	case "error":
		if msg, ok := AuthFailureMessage(ev); ok && c.AuthFailure == "" {
			c.AuthFailure = msg
		}
		msg := ev.Message
		if msg == "" {
			msg = ev.Error
		}
		if msg != "" {
			c.Errors = append(c.Errors, taskerr.New(taskerr.CodeUnknown, msg))
		}
	case "text":
		if msg, ok := AuthFailureMessage(ev); ok && c.AuthFailure == "" {
			c.AuthFailure = msg
		}
		if terr, ok := ClassifyTextError(ev.Text); ok {
			c.Errors = append(c.Errors, terr)
		}
	case "result":
		if ev.Result != "" {
			c.LastResult = ev.Result
		}
		if msg, ok := AuthFailureMessage(ev); ok && c.AuthFailure == "" {
			c.AuthFailure = msg
		}
	}
}

// FirstError returns the first structured error the stream produced, with
// authentication failures taking precedence.
func (c *Collector) FirstError() *taskerr.Error {
	if c.AuthFailure != "" {
		return taskerr.Auth(c.AuthFailure)
	}
	if len(c.Errors) > 0 {
		return c.Errors[0]
	}
	return nil
}
