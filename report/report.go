// Package report renders the run summary: per-file frame counts and
// bytes zeroed on success, failure reasons on failure, and the process
// exit code the whole run should return.
package report

import (
	"fmt"
	"io"
	"text/tabwriter"
)

// FileResult is one file's outcome. Failed files carry Failed and Reason;
// Path and any counters filled in by stages that finished before the
// failure are kept.
type FileResult struct {
	Path            string
	FramesIn        int
	FramesOut       int
	FramesModified  int
	BytesZeroed     int64
	ReassemblyGaps  int
	CollisionCount  int
	Failed          bool
	Reason          string
}

// Run aggregates every file's FileResult for one batch invocation.
type Run struct {
	Files []FileResult
}

// Add appends one file's result, preserving input-discovery order.
func (r *Run) Add(fr FileResult) {
	r.Files = append(r.Files, fr)
}

// AnyFailed reports whether at least one file failed, the condition that
// determines the process exit code.
func (r *Run) AnyFailed() bool {
	for _, f := range r.Files {
		if f.Failed {
			return true
		}
	}
	return false
}

// ExitCode is 0 if every file succeeded, 1 otherwise.
func (r *Run) ExitCode() int {
	if r.AnyFailed() {
		return 1
	}
	return 0
}

// WriteSummary renders a human-readable table: one row per file, frames
// in/out/modified and bytes zeroed for successes, the reason for
// failures, followed by a failed-file list when any exist.
func (r *Run) WriteSummary(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tFRAMES IN\tFRAMES OUT\tMODIFIED\tBYTES ZEROED\tSTATUS")
	for _, f := range r.Files {
		status := "ok"
		if f.Failed {
			status = "FAILED: " + f.Reason
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", f.Path, f.FramesIn, f.FramesOut, f.FramesModified, f.BytesZeroed, status)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("report: writing summary: %w", err)
	}

	failed := 0
	for _, f := range r.Files {
		if f.Failed {
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(w, "\n%d of %d files failed:\n", failed, len(r.Files))
		for _, f := range r.Files {
			if f.Failed {
				fmt.Fprintf(w, "  %s: %s\n", f.Path, f.Reason)
			}
		}
	}
	return nil
}
