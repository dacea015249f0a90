package engine

import (
	"reflect"
	"strings"
	"testing"

	"github.com/danshapiro/ralphy/internal/tasksource"
)

func TestParseFileLines(t *testing.T) {
	section := `
# comment
// also a comment
- src/app.go
* src/app_test.go
+ docs/usage.md
1. cmd/main.go
2) internal\util\helper.go
` + "`pkg/api/client.go`" + `
./README.md
src/app.go

`
	want := []string{
		"src/app.go",
		"src/app_test.go",
		"docs/usage.md",
		"cmd/main.go",
		"internal/util/helper.go",
		"pkg/api/client.go",
		"README.md",
	}
	got := parseFileLines(section)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseFileLines:\n got %v\nwant %v", got, want)
	}
}

func TestParseStepLines(t *testing.T) {
	section := `
Overview text that is not a step.
1. Read the existing handler
2) Add the new route
- Wire the middleware
* Run the linter
trailing prose
`
	want := []string{
		"Read the existing handler",
		"Add the new route",
		"Wire the middleware",
		"Run the linter",
	}
	got := parseStepLines(section)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("parseStepLines:\n got %v\nwant %v", got, want)
	}
}

func TestParsePlanOutput(t *testing.T) {
	output := `preamble chatter
<ANALYSIS>
The handler lives in server.go and lacks validation.
</ANALYSIS>
<PLAN>
1. Add validation
2. Add tests
</PLAN>
<FILES>
- server.go
- server_test.go
</FILES>
<OPTIMIZATION>
Consider caching the schema.
</OPTIMIZATION>
trailing chatter`

	plan, err := parsePlanOutput(output)
	if err != nil {
		t.Fatalf("parsePlanOutput: %v", err)
	}
	if !reflect.DeepEqual(plan.Files, []string{"server.go", "server_test.go"}) {
		t.Fatalf("files: %v", plan.Files)
	}
	if len(plan.Steps) != 2 || plan.Steps[0] != "Add validation" {
		t.Fatalf("steps: %v", plan.Steps)
	}
	if !strings.Contains(plan.Analysis, "lacks validation") {
		t.Fatalf("analysis not captured verbatim: %q", plan.Analysis)
	}
	if !strings.Contains(plan.Optimization, "caching the schema") {
		t.Fatalf("optimization not captured verbatim: %q", plan.Optimization)
	}
}

func TestParsePlanOutputMissingFiles(t *testing.T) {
	if _, err := parsePlanOutput("<ANALYSIS>x</ANALYSIS>"); err == nil {
		t.Fatalf("missing FILES section must error")
	}
}

func TestIsToolUseOutput(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   bool
	}{
		{"tool_use", `{"type":"tool_use","id":"t1","name":"bash","input":{}}`, true},
		{"tool_use with trailing", `{"type":"tool_use","name":"edit"} extra`, true},
		{"leading whitespace", "  \n" + `{"type":"tool_use","name":"edit"}`, true},
		{"text event", `{"type":"text","text":"hi"}`, false},
		{"sectioned plan", "<ANALYSIS>x</ANALYSIS>", false},
		{"plain prose", "I will now plan.", false},
		{"broken json", `{"type":"tool_use"`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := isToolUseOutput(tc.output); got != tc.want {
				t.Fatalf("got %v want %v", got, tc.want)
			}
		})
	}
}

func TestFilterDeniedFiles(t *testing.T) {
	files := []string{
		"src/app.go",
		".git/config",
		"node_modules/pkg/index.js",
		".ralphy/task-state.json",
		".ralphy-hashes/t1/content/abc",
		"docs/notes.md",
	}
	got := filterDeniedFiles(files, DefaultDenyGlobs)
	want := []string{"src/app.go", "docs/notes.md"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("filterDeniedFiles:\n got %v\nwant %v", got, want)
	}
}

func TestBuildPlanningPrompt(t *testing.T) {
	task := tasksource.Task{ID: "7", Title: "Add rate limiting", Body: "Use a token bucket."}
	prompt := buildPlanningPrompt(task)
	for _, tag := range []string{"<ANALYSIS>", "</ANALYSIS>", "<PLAN>", "</PLAN>", "<FILES>", "</FILES>", "<OPTIMIZATION>", "</OPTIMIZATION>"} {
		if !strings.Contains(prompt, tag) {
			t.Fatalf("prompt missing %s", tag)
		}
	}
	if !strings.Contains(prompt, "Add rate limiting") || !strings.Contains(prompt, "token bucket") {
		t.Fatalf("prompt missing task content:\n%s", prompt)
	}
}
