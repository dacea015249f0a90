package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/danshapiro/ralphy/internal/taskerr"
)

func TestExecCapturesStdout(t *testing.T) {
	r := New(nil, nil)
	res, err := r.Exec(context.Background(), Spec{Command: "echo", Args: []string{"hello"}})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Fatalf("stdout: got %q want %q", res.Stdout, "hello")
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code: got %d want 0", res.ExitCode)
	}
}

func TestExecPipesStdin(t *testing.T) {
	r := New(nil, nil)
	res, err := r.Exec(context.Background(), Spec{Command: "cat", Stdin: "piped content"})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if res.Stdout != "piped content" {
		t.Fatalf("stdout: got %q", res.Stdout)
	}
}

func TestExecNonZeroExit(t *testing.T) {
	r := New(nil, nil)
	res, err := r.Exec(context.Background(), Spec{Command: "false"})
	if err == nil {
		t.Fatalf("expected error for non-zero exit")
	}
	if res.ExitCode != 1 {
		t.Fatalf("exit code: got %d want 1", res.ExitCode)
	}
	if taskerr.CodeOf(err) != taskerr.CodeProcess {
		t.Fatalf("code: got %s want %s", taskerr.CodeOf(err), taskerr.CodeProcess)
	}
	if !taskerr.Retryable(err) {
		t.Fatalf("process exit should classify retryable")
	}
}

func TestExecMissingBinaryIsFatal(t *testing.T) {
	r := New(nil, nil)
	_, err := r.Exec(context.Background(), Spec{Command: "definitely-not-a-real-binary-xyz"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !taskerr.IsFatal(err) {
		t.Fatalf("missing binary should be fatal, got %v", err)
	}
}

func TestExecEnvOverrides(t *testing.T) {
	t.Setenv("RALPHY_RUNNER_TEST", "parent")
	r := New(nil, nil)
	res, err := r.Exec(context.Background(), Spec{
		Command: "printenv",
		Args:    []string{"RALPHY_RUNNER_TEST"},
		Env:     map[string]string{"RALPHY_RUNNER_TEST": "override"},
	})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if strings.TrimSpace(res.Stdout) != "override" {
		t.Fatalf("env override: got %q", res.Stdout)
	}
}

func TestExecStreamingDeliversLinesInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lines.txt")
	if err := os.WriteFile(path, []byte("line1\nline2\n\nline3\n"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r := New(nil, nil)
	var got []string
	res, err := r.ExecStreaming(context.Background(), Spec{Command: "cat", Args: []string{path}}, func(line string) {
		got = append(got, line)
	})
	if err != nil {
		t.Fatalf("ExecStreaming: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code: got %d", res.ExitCode)
	}
	want := []string{"line1", "line2", "line3"}
	if len(got) != len(want) {
		t.Fatalf("lines: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestExecContextTimeoutKills(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	r := New(nil, nil)
	start := time.Now()
	_, err := r.Exec(ctx, Spec{Command: "sleep", Args: []string{"30"}})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if taskerr.CodeOf(err) != taskerr.CodeTimeout {
		t.Fatalf("code: got %s want %s", taskerr.CodeOf(err), taskerr.CodeTimeout)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("kill took too long: %s", elapsed)
	}
	if r.Registry().Len() != 0 {
		t.Fatalf("registry not emptied: %d", r.Registry().Len())
	}
}

func TestCommandExists(t *testing.T) {
	if !CommandExists("echo") {
		t.Fatalf("echo should exist")
	}
	if CommandExists("definitely-not-a-real-binary-xyz") {
		t.Fatalf("phantom binary reported present")
	}
}

func TestValidateSpecRejectsMetacharacters(t *testing.T) {
	bad := []string{";", "&", "|", "`", "$(", "${", "&&", "||", "a;b", "x|y", "$HOME", "a > b", "a<b"}
	for _, arg := range bad {
		t.Run(arg, func(t *testing.T) {
			err := ValidateSpec(Spec{Command: "echo", Args: []string{arg}})
			if err == nil {
				t.Fatalf("argument %q should be rejected", arg)
			}
			if taskerr.CodeOf(err) != taskerr.CodeValidation {
				t.Fatalf("code: got %s want %s", taskerr.CodeOf(err), taskerr.CodeValidation)
			}
		})
	}
}

func TestValidateSpecAllowsPlainTokens(t *testing.T) {
	good := [][]string{
		{"--output-format", "stream-json"},
		{"-p"},
		{"/usr/bin/claude"},
		{"model-4.1_beta"},
		{"path/to/file.go"},
	}
	for _, args := range good {
		if err := ValidateSpec(Spec{Command: "claude", Args: args}); err != nil {
			t.Fatalf("args %v should pass: %v", args, err)
		}
	}
}

func TestValidateSpecRejectsEmptyCommand(t *testing.T) {
	err := ValidateSpec(Spec{Command: ""})
	if err == nil {
		t.Fatalf("empty command should be rejected")
	}
	var te *taskerr.Error
	if !errors.As(err, &te) {
		t.Fatalf("expected taskerr.Error, got %T", err)
	}
}
