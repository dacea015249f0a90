package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/oklog/ulid/v2"
)

// NewRunID returns a fresh sortable run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// ProgressSink appends machine-readable run events to progress.ndjson under
// the logs root. Writes are best-effort: a full disk must not take the run
// down with it.
type ProgressSink struct {
	mu     sync.Mutex
	path   string
	runID  string
	logger hclog.Logger
	warned bool
}

// NewProgressSink prepares the logs root and returns a sink. A nil sink is
// safe to emit on.
func NewProgressSink(logsRoot, runID string, logger hclog.Logger) (*ProgressSink, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if err := os.MkdirAll(logsRoot, 0o755); err != nil {
		return nil, err
	}
	return &ProgressSink{
		path:   filepath.Join(logsRoot, "progress.ndjson"),
		runID:  runID,
		logger: logger.Named("progress"),
	}, nil
}

// Path returns the NDJSON file location.
func (s *ProgressSink) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Emit appends one event. The sink stamps ts, run_id, and the event name;
// fields may be nil.
func (s *ProgressSink) Emit(event string, fields map[string]any) {
	if s == nil {
		return
	}
	ev := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		ev[k] = v
	}
	ev["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	ev["run_id"] = s.runID
	ev["event"] = event

	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	b = append(b, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.warnOnce(err)
		return
	}
	defer f.Close()
	if _, err := f.Write(b); err != nil {
		s.warnOnce(err)
	}
}

func (s *ProgressSink) warnOnce(err error) {
	if s.warned {
		return
	}
	s.warned = true
	s.logger.Warn("progress events are being dropped", "path", s.path, "error", err)
}
