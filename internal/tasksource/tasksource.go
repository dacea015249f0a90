// Package tasksource reads and writes task list files in the four supported
// formats (CSV, YAML, JSON, Markdown). Parsers and writers are inverses for
// the fields a format can represent; the Markdown writer additionally
// supports in-place completion marking so surrounding prose is preserved.
package tasksource

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/danshapiro/ralphy/internal/fsatomic"
)

// Task is one unit of work loaded from a task source file. ID is opaque to
// the rest of the system; formats without an explicit id column derive it
// from position (1-based index or line number).
type Task struct {
	ID            string
	Title         string
	Body          string
	ParallelGroup int
	Completed     bool
}

// Format identifies a task source file format. The string value doubles as
// the sourceType component of durable state keys.
type Format string

const (
	FormatCSV      Format = "csv"
	FormatYAML     Format = "yaml"
	FormatJSON     Format = "json"
	FormatMarkdown Format = "markdown"
)

// Ext returns the file extension used for sibling files (the task state
// file) in this format.
func (f Format) Ext() string {
	if f == FormatMarkdown {
		return "md"
	}
	return string(f)
}

// FormatForPath maps a file extension to its Format.
func FormatForPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".md", ".markdown":
		return FormatMarkdown, nil
	default:
		return "", fmt.Errorf("task source: unsupported file extension %q (want .csv, .yaml, .json, or .md)", filepath.Ext(path))
	}
}

// Parse decodes tasks from data in the given format.
func Parse(data []byte, format Format) ([]Task, error) {
	switch format {
	case FormatCSV:
		return parseCSV(data)
	case FormatYAML:
		return parseYAML(data)
	case FormatJSON:
		return parseJSON(data)
	case FormatMarkdown:
		return parseMarkdown(data), nil
	default:
		return nil, fmt.Errorf("task source: unknown format %q", format)
	}
}

// Encode serializes tasks in the given format.
func Encode(tasks []Task, format Format) ([]byte, error) {
	switch format {
	case FormatCSV:
		return writeCSV(tasks), nil
	case FormatYAML:
		return writeYAML(tasks)
	case FormatJSON:
		return writeJSON(tasks)
	case FormatMarkdown:
		return writeMarkdown(tasks), nil
	default:
		return nil, fmt.Errorf("task source: unknown format %q", format)
	}
}

// Source is one task file on disk.
type Source struct {
	Path   string
	Format Format
}

// Open resolves the format for path. The file does not need to exist yet.
func Open(path string) (*Source, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	return &Source{Path: path, Format: format}, nil
}

// Load reads and parses the source file.
func (s *Source) Load() ([]Task, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, err
	}
	return Parse(data, s.Format)
}

// Save writes tasks back to the source file atomically.
func (s *Source) Save(tasks []Task) error {
	data, err := Encode(tasks, s.Format)
	if err != nil {
		return err
	}
	return fsatomic.WriteFileAtomic(s.Path, data, 0o644)
}

// MarkComplete flips the task with the given id to completed and persists
// the change. Markdown files are edited line-in-place so headings and prose
// around the checklist survive; the other formats are rewritten whole.
// Marking an already-completed task is a no-op.
func (s *Source) MarkComplete(id string) error {
	if s.Format == FormatMarkdown {
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return err
		}
		out, err := markCompleteMarkdown(data, id)
		if err != nil {
			return err
		}
		return fsatomic.WriteFileAtomic(s.Path, out, 0o644)
	}

	tasks, err := s.Load()
	if err != nil {
		return err
	}
	found := false
	for i := range tasks {
		if tasks[i].ID == id {
			tasks[i].Completed = true
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("task source: no task with id %q in %s", id, s.Path)
	}
	return s.Save(tasks)
}

// CountRemaining returns the number of tasks not yet completed.
func (s *Source) CountRemaining() (int, error) {
	tasks, err := s.Load()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if !t.Completed {
			n++
		}
	}
	return n, nil
}

// CountCompleted returns the number of completed tasks.
func (s *Source) CountCompleted() (int, error) {
	tasks, err := s.Load()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range tasks {
		if t.Completed {
			n++
		}
	}
	return n, nil
}
