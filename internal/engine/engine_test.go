package engine

import (
	"strings"
	"testing"
)

func TestClaudeInvocation(t *testing.T) {
	cfg := Config{Kind: KindClaude, Model: "sonnet"}
	cfg.defaults()
	spec, streaming, err := cfg.invocation("/work", "do the thing")
	if err != nil {
		t.Fatalf("invocation: %v", err)
	}
	if !streaming {
		t.Fatalf("claude must stream")
	}
	if spec.Command != "claude" {
		t.Fatalf("command: %s", spec.Command)
	}
	joined := strings.Join(spec.Args, " ")
	for _, want := range []string{"-p", "--output-format stream-json", "--verbose", "--model sonnet"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %v", want, spec.Args)
		}
	}
	// Prompt rides on stdin; prose can never pass the argument charset.
	if spec.Stdin != "do the thing" {
		t.Fatalf("stdin: %q", spec.Stdin)
	}
	for _, arg := range spec.Args {
		if strings.Contains(arg, " ") {
			t.Fatalf("argv must stay within the runner charset: %q", arg)
		}
	}
	if spec.Dir != "/work" {
		t.Fatalf("dir: %s", spec.Dir)
	}
}

func TestCodexInvocation(t *testing.T) {
	cfg := Config{Kind: KindCodex, Model: "o4"}
	cfg.defaults()
	spec, streaming, err := cfg.invocation("/work", "prompt text")
	if err != nil {
		t.Fatalf("invocation: %v", err)
	}
	if !streaming {
		t.Fatalf("codex must stream")
	}
	if spec.Command != "codex" {
		t.Fatalf("command: %s", spec.Command)
	}
	joined := strings.Join(spec.Args, " ")
	for _, want := range []string{"exec", "--json", "--sandbox workspace-write", "-C /work", "-m o4"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %v", want, spec.Args)
		}
	}
	// Prompt rides on stdin.
	if spec.Stdin != "prompt text" {
		t.Fatalf("stdin: %q", spec.Stdin)
	}
}

func TestCustomInvocation(t *testing.T) {
	cfg := Config{Kind: KindCustom, Binary: "/usr/local/bin/agent", Args: []string{"--plan"}}
	cfg.defaults()
	spec, streaming, err := cfg.invocation("/work", "p")
	if err != nil {
		t.Fatalf("invocation: %v", err)
	}
	if streaming {
		t.Fatalf("custom engines run batch")
	}
	if spec.Command != "/usr/local/bin/agent" || spec.Args[0] != "--plan" || spec.Stdin != "p" {
		t.Fatalf("spec: %+v", spec)
	}
}

func TestCustomRequiresBinary(t *testing.T) {
	cfg := Config{Kind: KindCustom}
	cfg.defaults()
	if err := cfg.validate(); err == nil {
		t.Fatalf("custom engine without binary must fail validation")
	}
}

func TestUnknownKindRejected(t *testing.T) {
	cfg := Config{Kind: "copilot"}
	cfg.defaults()
	if err := cfg.validate(); err == nil {
		t.Fatalf("unknown kind must fail validation")
	}
}

func TestEnvOverridesBinary(t *testing.T) {
	t.Setenv("RALPHY_CLAUDE_PATH", "/opt/bin/claude-dev")
	cfg := Config{Kind: KindClaude}
	cfg.defaults()
	spec, _, err := cfg.invocation(".", "x")
	if err != nil {
		t.Fatalf("invocation: %v", err)
	}
	if spec.Command != "/opt/bin/claude-dev" {
		t.Fatalf("command: %s", spec.Command)
	}
}
