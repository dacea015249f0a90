// Package cleanup coordinates shutdown work. Callbacks registered during a
// run are executed LIFO exactly once when the process receives SIGINT or
// SIGTERM, or when the run finishes normally.
package cleanup

import (
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

type entry struct {
	name string
	fn   func() error
}

// Registry holds cleanup callbacks. The zero value is not usable; construct
// with NewRegistry.
type Registry struct {
	mu      sync.Mutex
	entries []entry
	ran     bool
	logger  hclog.Logger
}

func NewRegistry(logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{logger: logger}
}

// Register adds a named callback. Callbacks run LIFO so later registrations
// (child processes, pending writes) are torn down before their owners.
func (r *Registry) Register(name string, fn func() error) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry{name: name, fn: fn})
}

// Run executes all callbacks LIFO. It is idempotent; only the first call
// does work. Individual failures do not stop the remaining callbacks and are
// aggregated into the returned error.
func (r *Registry) Run() error {
	r.mu.Lock()
	if r.ran {
		r.mu.Unlock()
		return nil
	}
	r.ran = true
	entries := make([]entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.Unlock()

	var merr *multierror.Error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if err := e.fn(); err != nil {
			r.logger.Warn("cleanup callback failed", "name", e.name, "error", err)
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
