package tasksource

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
)

// csvHeader is the required first row of a CSV task file.
var csvHeader = []string{"id", "title", "done", "group", "desc"}

func parseCSV(data []byte) ([]Task, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv tasks: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	if !isCSVHeader(records[0]) {
		return nil, fmt.Errorf("csv tasks: missing header row %q", strings.Join(csvHeader, ","))
	}

	tasks := make([]Task, 0, len(records)-1)
	for i, rec := range records[1:] {
		row := i + 2
		done, err := parseCSVDone(csvField(rec, 2))
		if err != nil {
			return nil, fmt.Errorf("csv tasks: row %d: %w", row, err)
		}
		group := 0
		if raw := csvField(rec, 3); raw != "" {
			group, err = strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("csv tasks: row %d: invalid group %q", row, raw)
			}
		}
		tasks = append(tasks, Task{
			ID:            csvField(rec, 0),
			Title:         csvField(rec, 1),
			Body:          csvField(rec, 4),
			ParallelGroup: group,
			Completed:     done,
		})
	}
	return tasks, nil
}

// csvField returns the column or "" when the record is short.
func csvField(rec []string, i int) string {
	if i >= len(rec) {
		return ""
	}
	return rec[i]
}

func isCSVHeader(rec []string) bool {
	if len(rec) < 2 {
		return false
	}
	return strings.EqualFold(rec[0], csvHeader[0]) && strings.EqualFold(rec[1], csvHeader[1])
}

func parseCSVDone(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "1", "true":
		return true, nil
	case "0", "false", "":
		return false, nil
	default:
		return false, fmt.Errorf("invalid done value %q (want 0, 1, true, or false)", raw)
	}
}

// writeCSV emits the canonical CSV form: done as 0/1, a non-empty desc
// always quoted, other fields quoted only when they contain a delimiter.
func writeCSV(tasks []Task) []byte {
	var b strings.Builder
	b.WriteString(strings.Join(csvHeader, ","))
	b.WriteByte('\n')
	for _, t := range tasks {
		b.WriteString(csvEscape(t.ID))
		b.WriteByte(',')
		b.WriteString(csvEscape(t.Title))
		b.WriteByte(',')
		if t.Completed {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(t.ParallelGroup))
		b.WriteByte(',')
		if t.Body != "" {
			b.WriteString(csvQuote(t.Body))
		}
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

func csvEscape(s string) string {
	if strings.ContainsAny(s, ",\"\n\r") {
		return csvQuote(s)
	}
	return s
}

func csvQuote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
