package tasksource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonTask accepts both field spellings the format allows.
type jsonTask struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Completed        bool   `json:"completed"`
	ParallelGroup    *int   `json:"parallelGroup"`
	ParallelGroupAlt *int   `json:"parallel_group"`
	Description      string `json:"description"`
	Body             string `json:"body"`
}

type jsonTaskFile struct {
	Tasks []jsonTask `json:"tasks"`
}

func parseJSON(data []byte) ([]Task, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	var raw []jsonTask
	switch {
	case len(trimmed) == 0:
		return nil, nil
	case trimmed[0] == '[':
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("json tasks: %w", err)
		}
	case trimmed[0] == '{':
		var file jsonTaskFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("json tasks: %w", err)
		}
		raw = file.Tasks
	default:
		return nil, fmt.Errorf("json tasks: expected array or object, got %q", trimmed[0])
	}

	tasks := make([]Task, 0, len(raw))
	for i, jt := range raw {
		id := jt.ID
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		group := 0
		if jt.ParallelGroup != nil {
			group = *jt.ParallelGroup
		} else if jt.ParallelGroupAlt != nil {
			group = *jt.ParallelGroupAlt
		}
		body := jt.Description
		if body == "" {
			body = jt.Body
		}
		tasks = append(tasks, Task{
			ID:            id,
			Title:         jt.Title,
			Body:          body,
			ParallelGroup: group,
			Completed:     jt.Completed,
		})
	}
	return tasks, nil
}

type jsonOutTask struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Completed     bool   `json:"completed"`
	ParallelGroup int    `json:"parallelGroup,omitempty"`
	Description   string `json:"description,omitempty"`
}

func writeJSON(tasks []Task) ([]byte, error) {
	out := struct {
		Tasks []jsonOutTask `json:"tasks"`
	}{Tasks: make([]jsonOutTask, 0, len(tasks))}
	for _, t := range tasks {
		out.Tasks = append(out.Tasks, jsonOutTask{
			ID:            t.ID,
			Title:         t.Title,
			Completed:     t.Completed,
			ParallelGroup: t.ParallelGroup,
			Description:   t.Body,
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}
