package orchestrator

import (
	"path/filepath"
	"time"

	"github.com/danshapiro/ralphy/internal/fsatomic"
	"github.com/danshapiro/ralphy/internal/taskqueue"
)

// Summary is the final digest of one run, written to summary.json under the
// logs root when the run ends for any reason.
type Summary struct {
	RunID        string          `json:"runId"`
	StartedAt    time.Time       `json:"startedAt"`
	FinishedAt   time.Time       `json:"finishedAt"`
	DurationMS   int64           `json:"durationMs"`
	States       map[string]int  `json:"states"`
	Queue        taskqueue.Stats `json:"queue"`
	InputTokens  int64           `json:"inputTokens"`
	OutputTokens int64           `json:"outputTokens"`
}

// SummaryPath returns where the summary for a logs root lives.
func SummaryPath(logsRoot string) string {
	return filepath.Join(logsRoot, "summary.json")
}

// WriteSummary persists the summary atomically.
func WriteSummary(logsRoot string, s *Summary) error {
	return fsatomic.WriteJSONAtomic(SummaryPath(logsRoot), s)
}

// ReadSummary loads a previously written summary.
func ReadSummary(logsRoot string) (*Summary, error) {
	var s Summary
	if err := fsatomic.ReadJSONGuarded(SummaryPath(logsRoot), &s); err != nil {
		return nil, err
	}
	return &s, nil
}
