package tasksource

import (
	"fmt"
	"strconv"

	"gopkg.in/yaml.v3"
)

type yamlTask struct {
	ID            string `yaml:"id,omitempty"`
	Title         string `yaml:"title"`
	Completed     bool   `yaml:"completed,omitempty"`
	ParallelGroup int    `yaml:"parallel_group,omitempty"`
	Description   string `yaml:"description,omitempty"`
}

type yamlTaskFile struct {
	Tasks []yamlTask `yaml:"tasks"`
}

func parseYAML(data []byte) ([]Task, error) {
	var file yamlTaskFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("yaml tasks: %w", err)
	}
	tasks := make([]Task, 0, len(file.Tasks))
	for i, yt := range file.Tasks {
		id := yt.ID
		if id == "" {
			id = strconv.Itoa(i + 1)
		}
		tasks = append(tasks, Task{
			ID:            id,
			Title:         yt.Title,
			Body:          yt.Description,
			ParallelGroup: yt.ParallelGroup,
			Completed:     yt.Completed,
		})
	}
	return tasks, nil
}

func writeYAML(tasks []Task) ([]byte, error) {
	file := yamlTaskFile{Tasks: make([]yamlTask, 0, len(tasks))}
	for _, t := range tasks {
		file.Tasks = append(file.Tasks, yamlTask{
			ID:            t.ID,
			Title:         t.Title,
			Completed:     t.Completed,
			ParallelGroup: t.ParallelGroup,
			Description:   t.Body,
		})
	}
	return yaml.Marshal(&file)
}
