package tasksource

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	mdPending  = regexp.MustCompile(`^- \[ \] (.+)$`)
	mdComplete = regexp.MustCompile(`^- \[[xX]\] (.+)$`)
)

// parseMarkdown extracts checklist items. The 1-based line number in the
// file is the task id, so ids stay stable across non-checklist edits above
// a given line.
func parseMarkdown(data []byte) []Task {
	var tasks []Task
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if m := mdPending.FindStringSubmatch(line); m != nil {
			tasks = append(tasks, Task{ID: strconv.Itoa(i + 1), Title: m[1]})
			continue
		}
		if m := mdComplete.FindStringSubmatch(line); m != nil {
			tasks = append(tasks, Task{ID: strconv.Itoa(i + 1), Title: m[1], Completed: true})
		}
	}
	return tasks
}

func writeMarkdown(tasks []Task) []byte {
	var b strings.Builder
	for _, t := range tasks {
		if t.Completed {
			b.WriteString("- [x] ")
		} else {
			b.WriteString("- [ ] ")
		}
		b.WriteString(t.Title)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// markCompleteMarkdown rewrites a single checklist line, leaving every other
// byte of the file untouched.
func markCompleteMarkdown(data []byte, id string) ([]byte, error) {
	n, err := strconv.Atoi(id)
	if err != nil || n < 1 {
		return nil, fmt.Errorf("markdown tasks: invalid task id %q", id)
	}
	lines := strings.Split(string(data), "\n")
	if n > len(lines) {
		return nil, fmt.Errorf("markdown tasks: no line %d", n)
	}
	line := strings.TrimSuffix(lines[n-1], "\r")
	if mdComplete.MatchString(line) {
		return data, nil
	}
	if !mdPending.MatchString(line) {
		return nil, fmt.Errorf("markdown tasks: line %d is not a checklist item", n)
	}
	lines[n-1] = strings.Replace(lines[n-1], "- [ ]", "- [x]", 1)
	return []byte(strings.Join(lines, "\n")), nil
}
