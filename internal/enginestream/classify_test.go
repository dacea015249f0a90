package enginestream

import (
	"testing"

	"github.com/danshapiro/ralphy/internal/taskerr"
)

func TestClassifyTextError(t *testing.T) {
	cases := []struct {
		name     string
		line     string
		wantCode taskerr.Code
		wantOK   bool
	}{
		{"rate limit", "Rate limit reached for requests", taskerr.CodeRateLimit, true},
		{"quota", "You have exceeded your quota exceeded budget", taskerr.CodeRateLimit, true},
		{"429", "HTTP 429 returned", taskerr.CodeRateLimit, true},
		{"connection", "connect ECONNREFUSED 1.2.3.4:443", taskerr.CodeNetwork, true},
		{"socket", "socket hang up", taskerr.CodeNetwork, true},
		{"model", "Error: model not found: claude-42", taskerr.CodeValidation, true},
		{"plain", "working on the task", "", false},
		{"empty", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			terr, ok := ClassifyTextError(tc.line)
			if ok != tc.wantOK {
				t.Fatalf("ok: got %v want %v", ok, tc.wantOK)
			}
			if ok && terr.Code != tc.wantCode {
				t.Fatalf("code: got %s want %s", terr.Code, tc.wantCode)
			}
		})
	}
}

func TestAuthFailureMessage(t *testing.T) {
	cases := []struct {
		name   string
		line   string
		wantOK bool
	}{
		{"error type with auth message", `{"type":"error","message":"authentication failed for key"}`, true},
		{"is_error flag", `{"type":"result","is_error":true,"result":"401 unauthorized"}`, true},
		{"authentication_failed marker", `{"type":"error","error":"authentication_failed","message":"please run /login"}`, true},
		{"error without auth content", `{"type":"error","message":"disk full"}`, false},
		{"auth words in plain result", `{"type":"result","result":"discussed 401 handling"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, _ := ParseLine(tc.line)
			_, ok := AuthFailureMessage(ev)
			if ok != tc.wantOK {
				t.Fatalf("ok: got %v want %v", ok, tc.wantOK)
			}
		})
	}
}

func TestActionLabel(t *testing.T) {
	cases := []struct {
		name  string
		tool  string
		input map[string]any
		want  string
	}{
		{"read tool", "read", map[string]any{"file_path": "a.go"}, "Reading code"},
		{"grep tool", "grep", nil, "Reading code"},
		{"edit source", "edit", map[string]any{"file_path": "server.go"}, "Implementing"},
		{"edit test", "edit", map[string]any{"file_path": "server_test.go"}, "Writing tests"},
		{"write spec file", "write", map[string]any{"path": "api.spec.ts"}, "Writing tests"},
		{"bash go test", "bash", map[string]any{"command": "go test ./..."}, "Testing"},
		{"bash pytest", "bash", map[string]any{"command": "pytest -x"}, "Testing"},
		{"bash lint", "bash", map[string]any{"command": "npm run lint"}, "Linting"},
		{"bash git add", "bash", map[string]any{"command": "git add -A"}, "Staging"},
		{"bash git commit", "bash", map[string]any{"command": "git commit -m done"}, "Committing"},
		{"unknown tool", "webfetch", nil, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ActionLabel(tc.tool, tc.input); got != tc.want {
				t.Fatalf("ActionLabel(%q): got %q want %q", tc.tool, got, tc.want)
			}
		})
	}
}

func TestExtractReward(t *testing.T) {
	cases := []struct {
		line   string
		want   float64
		wantOK bool
	}{
		{"reward: 0.85", 0.85, true},
		{"progress Reward: 1.0 achieved", 1.0, true},
		{"reward: -0.25", -0.25, true},
		{"reward: none", 0, false},
		{"no reward here", 0, false},
	}
	for _, tc := range cases {
		got, ok := ExtractReward(tc.line)
		if ok != tc.wantOK {
			t.Fatalf("%q ok: got %v want %v", tc.line, ok, tc.wantOK)
		}
		if ok && got != tc.want {
			t.Fatalf("%q: got %v want %v", tc.line, got, tc.want)
		}
	}
}
