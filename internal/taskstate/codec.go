package taskstate

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/ralphy/internal/fsatomic"
	"github.com/danshapiro/ralphy/internal/tasksource"
)

// The flat formats (CSV, Markdown) serialize entries one row per task with
// the error history and execution context JSON-encoded into single cells.
// JSON and YAML carry the schema natively.

var flatColumns = []string{"key", "id", "title", "state", "attemptCount", "lastAttemptTime", "errorHistory", "context"}

func encodeState(doc *fileSchema, format tasksource.Format) ([]byte, error) {
	switch format {
	case tasksource.FormatJSON:
		data, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	case tasksource.FormatYAML:
		return yaml.Marshal(doc)
	case tasksource.FormatCSV:
		return encodeCSVState(doc)
	case tasksource.FormatMarkdown:
		return encodeMarkdownState(doc)
	default:
		return nil, fmt.Errorf("task state: unknown format %q", format)
	}
}

func decodeState(data []byte, format tasksource.Format) (*fileSchema, error) {
	switch format {
	case tasksource.FormatJSON:
		var doc fileSchema
		if err := fsatomic.DecodeJSONGuarded(data, &doc); err != nil {
			return nil, err
		}
		return &doc, nil
	case tasksource.FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		var doc fileSchema
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
		return &doc, nil
	case tasksource.FormatCSV:
		return decodeCSVState(data)
	case tasksource.FormatMarkdown:
		return decodeMarkdownState(data)
	default:
		return nil, fmt.Errorf("task state: unknown format %q", format)
	}
}

func sortedTaskKeys(tasks map[string]Entry) []string {
	keys := make([]string, 0, len(tasks))
	for k := range tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func entryCells(key string, e Entry) ([]string, error) {
	hist := e.ErrorHistory
	if hist == nil {
		hist = []string{}
	}
	histJSON, err := json.Marshal(hist)
	if err != nil {
		return nil, err
	}
	ctxJSON := ""
	if e.Context != nil {
		raw, err := json.Marshal(e.Context)
		if err != nil {
			return nil, err
		}
		ctxJSON = string(raw)
	}
	last := ""
	if e.LastAttemptTime != 0 {
		last = strconv.FormatInt(e.LastAttemptTime, 10)
	}
	return []string{
		key,
		e.ID,
		e.Title,
		string(e.State),
		strconv.Itoa(e.AttemptCount),
		last,
		string(histJSON),
		ctxJSON,
	}, nil
}

func entryFromCells(cells []string) (string, Entry, error) {
	cell := func(i int) string {
		if i >= len(cells) {
			return ""
		}
		return cells[i]
	}
	key := cell(0)
	if key == "" {
		return "", Entry{}, fmt.Errorf("row missing key")
	}
	e := Entry{
		ID:           cell(1),
		Title:        cell(2),
		State:        State(cell(3)),
		ErrorHistory: []string{},
	}
	if raw := cell(4); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return "", Entry{}, fmt.Errorf("invalid attemptCount %q", raw)
		}
		e.AttemptCount = n
	}
	if raw := cell(5); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return "", Entry{}, fmt.Errorf("invalid lastAttemptTime %q", raw)
		}
		e.LastAttemptTime = n
	}
	if raw := cell(6); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.ErrorHistory); err != nil {
			return "", Entry{}, fmt.Errorf("invalid errorHistory: %v", err)
		}
	}
	if raw := cell(7); raw != "" {
		var ctx ExecutionContext
		if err := json.Unmarshal([]byte(raw), &ctx); err != nil {
			return "", Entry{}, fmt.Errorf("invalid context: %v", err)
		}
		e.Context = &ctx
	}
	return key, e, nil
}

func encodeCSVState(doc *fileSchema) ([]byte, error) {
	var b bytes.Buffer
	w := csv.NewWriter(&b)
	if err := w.Write([]string{fmt.Sprintf("#v%d", doc.Version), doc.LastUpdated}); err != nil {
		return nil, err
	}
	if err := w.Write(flatColumns); err != nil {
		return nil, err
	}
	for _, k := range sortedTaskKeys(doc.Tasks) {
		cells, err := entryCells(k, doc.Tasks[k])
		if err != nil {
			return nil, err
		}
		if err := w.Write(cells); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

func decodeCSVState(data []byte) (*fileSchema, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) < 2 || !strings.HasPrefix(records[0][0], "#v") {
		return nil, fmt.Errorf("missing version row")
	}
	version, err := strconv.Atoi(strings.TrimPrefix(records[0][0], "#v"))
	if err != nil {
		return nil, fmt.Errorf("invalid version row %q", records[0][0])
	}
	doc := &fileSchema{Version: version, Tasks: map[string]Entry{}}
	if len(records[0]) > 1 {
		doc.LastUpdated = records[0][1]
	}
	if !strings.EqualFold(records[1][0], flatColumns[0]) {
		return nil, fmt.Errorf("missing header row")
	}
	for i, rec := range records[2:] {
		key, e, err := entryFromCells(rec)
		if err != nil {
			return nil, fmt.Errorf("row %d: %v", i+3, err)
		}
		doc.Tasks[key] = e
	}
	return doc, nil
}

var mdMetaRe = regexp.MustCompile(`^<!-- task-state v(\d+) updated=(\S*) -->$`)

func encodeMarkdownState(doc *fileSchema) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "<!-- task-state v%d updated=%s -->\n\n", doc.Version, doc.LastUpdated)
	b.WriteString("| " + strings.Join(flatColumns, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(flatColumns)) + "\n")
	for _, k := range sortedTaskKeys(doc.Tasks) {
		cells, err := entryCells(k, doc.Tasks[k])
		if err != nil {
			return nil, err
		}
		escaped := make([]string, len(cells))
		for i, c := range cells {
			escaped[i] = escapeTableCell(c)
		}
		b.WriteString("| " + strings.Join(escaped, " | ") + " |\n")
	}
	return []byte(b.String()), nil
}

func decodeMarkdownState(data []byte) (*fileSchema, error) {
	doc := &fileSchema{Version: -1, Tasks: map[string]Entry{}}
	for i, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if m := mdMetaRe.FindStringSubmatch(line); m != nil {
			version, err := strconv.Atoi(m[1])
			if err != nil {
				return nil, fmt.Errorf("invalid version header %q", line)
			}
			doc.Version = version
			doc.LastUpdated = m[2]
			continue
		}
		if !strings.HasPrefix(line, "|") {
			continue
		}
		cells := splitTableRow(line)
		if len(cells) == 0 || strings.EqualFold(cells[0], flatColumns[0]) || strings.HasPrefix(cells[0], "---") {
			continue
		}
		key, e, err := entryFromCells(cells)
		if err != nil {
			return nil, fmt.Errorf("line %d: %v", i+1, err)
		}
		doc.Tasks[key] = e
	}
	if doc.Version == -1 {
		return nil, fmt.Errorf("missing version header")
	}
	return doc, nil
}

// escapeTableCell keeps a value on one table row. Pipes and backslashes are
// escaped; newlines cannot be represented and collapse to spaces.
func escapeTableCell(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", "")
	return s
}

// splitTableRow splits a Markdown table row on unescaped pipes, trimming
// cell whitespace and dropping the empty fragments outside the outer pipes.
func splitTableRow(line string) []string {
	var cells []string
	var cur strings.Builder
	escaped := false
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == '|':
			cells = append(cells, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	cells = append(cells, strings.TrimSpace(cur.String()))
	if len(cells) > 0 && cells[0] == "" {
		cells = cells[1:]
	}
	if len(cells) > 0 && cells[len(cells)-1] == "" {
		cells = cells[:len(cells)-1]
	}
	return cells
}
