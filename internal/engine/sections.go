package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/danshapiro/ralphy/internal/enginestream"
	"github.com/danshapiro/ralphy/internal/tasksource"
)

// Plan is the advisory output of one planning run. A non-empty Err means
// planning gave up; Files is empty in that case.
type Plan struct {
	Files        []string `json:"files"`
	Steps        []string `json:"steps,omitempty"`
	Analysis     string   `json:"analysis,omitempty"`
	Optimization string   `json:"optimization,omitempty"`
	Err          string   `json:"error,omitempty"`
	Cached       bool     `json:"cached,omitempty"`
}

// DefaultDenyGlobs are paths a plan may never touch.
var DefaultDenyGlobs = []string{
	".git/**",
	"node_modules/**",
	".ralphy/**",
	".ralphy-hashes/**",
}

func buildPlanningPrompt(task tasksource.Task) string {
	var b strings.Builder
	b.WriteString("You are planning one engineering task. Do not modify any files; respond with a plan only.\n\n")
	b.WriteString("Task: ")
	b.WriteString(task.Title)
	b.WriteString("\n")
	if body := strings.TrimSpace(task.Body); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n")
	}
	b.WriteString(`
Respond with exactly these four sections:

<ANALYSIS>
What the task requires and how the relevant code currently works.
</ANALYSIS>

<PLAN>
Numbered implementation steps.
</PLAN>

<FILES>
One relative file path per line: every file that must be created or modified.
</FILES>

<OPTIMIZATION>
Shortcuts, risks, or follow-ups worth noting.
</OPTIMIZATION>
`)
	return b.String()
}

var sectionRes = map[string]*regexp.Regexp{}

func init() {
	for _, tag := range []string{"ANALYSIS", "PLAN", "FILES", "OPTIMIZATION"} {
		sectionRes[tag] = regexp.MustCompile(`(?s)<` + tag + `>(.*?)</` + tag + `>`)
	}
}

func extractSection(output, tag string) (string, bool) {
	m := sectionRes[tag].FindStringSubmatch(output)
	if m == nil {
		return "", false
	}
	return m[1], true
}

var (
	bulletRe = regexp.MustCompile(`^[-*+]\s+`)
	numberRe = regexp.MustCompile(`^\d+[.)]\s*`)
)

// parseFileLines turns a FILES section into a clean ordered path list:
// comments and blanks are dropped, bullets / numbering / backticks / leading
// ./ stripped, separators normalized, duplicates removed keeping first
// occurrence.
func parseFileLines(section string) []string {
	var out []string
	seen := map[string]bool{}
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		line = bulletRe.ReplaceAllString(line, "")
		line = numberRe.ReplaceAllString(line, "")
		line = strings.ReplaceAll(line, "`", "")
		line = strings.TrimSpace(line)
		line = strings.ReplaceAll(line, `\`, "/")
		line = strings.TrimPrefix(line, "./")
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		out = append(out, line)
	}
	return out
}

// parseStepLines extracts the ordered steps from a PLAN section. Numbered
// and bulleted lines count; anything else is treated as continuation text
// and ignored.
func parseStepLines(section string) []string {
	var out []string
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case numberRe.MatchString(line):
			out = append(out, strings.TrimSpace(numberRe.ReplaceAllString(line, "")))
		case bulletRe.MatchString(line):
			out = append(out, strings.TrimSpace(bulletRe.ReplaceAllString(line, "")))
		}
	}
	return out
}

// parsePlanOutput assembles a Plan from the engine's sectioned response.
// A missing FILES section is an error; the other sections are optional.
func parsePlanOutput(output string) (*Plan, error) {
	filesSec, ok := extractSection(output, "FILES")
	if !ok {
		return nil, fmt.Errorf("plan response has no FILES section")
	}
	p := &Plan{Files: parseFileLines(filesSec)}
	if sec, ok := extractSection(output, "PLAN"); ok {
		p.Steps = parseStepLines(sec)
	}
	if sec, ok := extractSection(output, "ANALYSIS"); ok {
		p.Analysis = sec
	}
	if sec, ok := extractSection(output, "OPTIMIZATION"); ok {
		p.Optimization = sec
	}
	return p, nil
}

// isToolUseOutput reports whether the engine short-circuited into a raw
// tool invocation instead of producing a sectioned plan.
func isToolUseOutput(output string) bool {
	trimmed := strings.TrimSpace(output)
	if !strings.HasPrefix(trimmed, "{") {
		return false
	}
	raw, _, ok := enginestream.ExtractJSON(trimmed)
	if !ok {
		return false
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return false
	}
	return probe.Type == "tool_use"
}

// filterDeniedFiles drops planned paths matching any deny glob.
func filterDeniedFiles(files, denyGlobs []string) []string {
	if len(denyGlobs) == 0 {
		return files
	}
	out := files[:0:0]
	for _, f := range files {
		denied := false
		for _, pattern := range denyGlobs {
			if ok, err := doublestar.Match(pattern, f); err == nil && ok {
				denied = true
				break
			}
		}
		if !denied {
			out = append(out, f)
		}
	}
	return out
}
