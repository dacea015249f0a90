package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/danshapiro/ralphy/internal/hashstore"
	"github.com/danshapiro/ralphy/internal/lockmgr"
	"github.com/danshapiro/ralphy/internal/taskqueue"
	"github.com/danshapiro/ralphy/internal/tasksource"
	"github.com/danshapiro/ralphy/internal/taskstate"
)

func statusCmd(args []string) {
	var taskFile, workDir string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--tasks":
			i++
			if i >= len(args) {
				fatal(fmt.Errorf("--tasks requires a value"))
			}
			taskFile = args[i]
		case "--dir":
			i++
			if i >= len(args) {
				fatal(fmt.Errorf("--dir requires a value"))
			}
			workDir = args[i]
		default:
			fatal(fmt.Errorf("unknown arg: %s", args[i]))
		}
	}
	if taskFile == "" {
		usage()
		os.Exit(1)
	}
	if workDir == "" {
		workDir = "."
	}

	src, err := tasksource.Open(taskFile)
	if err != nil {
		fatal(err)
	}
	states, err := taskstate.NewManager(workDir, src, newLogger())
	if err != nil {
		fatal(err)
	}

	entries := states.All()
	rows := make([][]string, 0, len(entries)+1)
	rows = append(rows, []string{"ID", "STATE", "ATTEMPTS", "TITLE"})
	for _, e := range entries {
		rows = append(rows, []string{
			e.ID, string(e.State), strconv.Itoa(e.AttemptCount), e.Title,
		})
	}
	fmt.Print(renderTable(rows))

	counts := states.CountByState()
	fmt.Printf("\n%d tasks: %d pending, %d running, %d completed, %d failed, %d skipped, %d deferred\n",
		len(entries),
		counts[taskstate.StatePending], counts[taskstate.StateRunning],
		counts[taskstate.StateCompleted], counts[taskstate.StateFailed],
		counts[taskstate.StateSkipped], counts[taskstate.StateDeferred])

	snapshotPath := filepath.Join(workDir, ".ralphy", "queue.json")
	if _, err := os.Stat(snapshotPath); err == nil {
		q, qerr := taskqueue.NewFile(snapshotPath, taskqueue.FileOptions{}, newLogger())
		if qerr == nil {
			if stats, serr := q.Stats(context.Background()); serr == nil {
				fmt.Printf("queue snapshot: %d pending, %d running, %d completed, %d failed, %d skipped\n",
					stats.Pending, stats.Running, stats.Completed, stats.Failed, stats.Skipped)
			}
			_ = q.Close()
		}
	}
}

// renderTable lays out rows with two-space gutters, padding each column to
// its widest cell by display width so CJK titles stay aligned.
func renderTable(rows [][]string) string {
	if len(rows) == 0 {
		return ""
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			if w := runewidth.StringWidth(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}
	var b strings.Builder
	for _, row := range rows {
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-runewidth.StringWidth(cell)))
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func cleanCmd(args []string) {
	workDir := "."
	maxAgeHours := 24
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dir":
			i++
			if i >= len(args) {
				fatal(fmt.Errorf("--dir requires a value"))
			}
			workDir = args[i]
		case "--max-age-hours":
			i++
			if i >= len(args) {
				fatal(fmt.Errorf("--max-age-hours requires a value"))
			}
			n, err := strconv.Atoi(args[i])
			if err != nil || n < 0 {
				fatal(fmt.Errorf("--max-age-hours: %q is not a non-negative number", args[i]))
			}
			maxAgeHours = n
		default:
			fatal(fmt.Errorf("unknown arg: %s", args[i]))
		}
	}

	logger := newLogger()
	removed, err := hashstore.GC(workDir, time.Duration(maxAgeHours)*time.Hour, logger)
	if err != nil {
		fatal(err)
	}
	evicted, err := lockmgr.NewManager(workDir, logger).CleanupStale()
	if err != nil {
		fatal(err)
	}
	fmt.Printf("removed %d stale hash store(s), evicted %d stale lock(s)\n", removed, evicted)
}
