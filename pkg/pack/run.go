// Package pack coordinates composite journeys: a parent session is
// decomposed into a dependency graph of child workflows that run as
// independent sessions. The parent pauses while the pack runs and is
// resumed with a summary once every child reaches a terminal status.
package pack

import (
	"errors"
	"fmt"
	"time"
)

// Status of one workflow inside a run.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ErrCorruptedRun marks run state the coordinator cannot reason about.
// This is the one fatal error class in the engine: it is surfaced for
// operator intervention, never swallowed.
var ErrCorruptedRun = errors.New("corrupted pack run state")

// GatingViolation rejects starting a workflow whose parents are not all
// completed. The caller is informed; no side effect has occurred.
type GatingViolation struct {
	RunID    string
	Workflow string
	Parent   string
	Status   Status
}

func (e *GatingViolation) Error() string {
	return fmt.Sprintf("workflow %q in run %s is gated: parent %q is %s",
		e.Workflow, e.RunID, e.Parent, e.Status)
}

// WorkflowState tracks one child workflow of a run.
type WorkflowState struct {
	SessionID string `json:"session_id,omitempty"`
	Status    Status `json:"status"`
}

// Run is the persistent state of one pack execution.
type Run struct {
	ID         string                    `json:"id"`
	AppID      string                    `json:"app_id,omitempty"`
	ParentChat string                    `json:"parent_chat"`
	Workflows  map[string]*WorkflowState `json:"workflows"`
	// Edges maps each workflow to its parents: a workflow may start
	// only when every listed parent is completed.
	Edges     map[string][]string `json:"edges,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Eligible reports whether the workflow may start now. A failed parent
// never satisfies gating.
func (r *Run) Eligible(workflow string) error {
	ws, ok := r.Workflows[workflow]
	if !ok {
		return fmt.Errorf("%w: run %s references unknown workflow %q", ErrCorruptedRun, r.ID, workflow)
	}
	if ws.Status != StatusNotStarted {
		return fmt.Errorf("workflow %q already %s", workflow, ws.Status)
	}
	for _, parent := range r.Edges[workflow] {
		ps, ok := r.Workflows[parent]
		if !ok {
			return fmt.Errorf("%w: run %s edge references unknown parent %q", ErrCorruptedRun, r.ID, parent)
		}
		if ps.Status != StatusCompleted {
			return &GatingViolation{RunID: r.ID, Workflow: workflow, Parent: parent, Status: ps.Status}
		}
	}
	return nil
}

// Terminal reports whether every workflow in the run reached a terminal
// status.
func (r *Run) Terminal() bool {
	for _, ws := range r.Workflows {
		if !ws.Status.Terminal() {
			return false
		}
	}
	return true
}

// Summary aggregates the run outcome for the resuming parent.
func (r *Run) Summary() map[string]any {
	byStatus := map[Status]int{}
	statuses := make(map[string]string, len(r.Workflows))
	for name, ws := range r.Workflows {
		byStatus[ws.Status]++
		statuses[name] = string(ws.Status)
	}
	return map[string]any{
		"run_id":    r.ID,
		"workflows": statuses,
		"completed": byStatus[StatusCompleted],
		"failed":    byStatus[StatusFailed],
	}
}

// validate checks structural invariants on a run loaded from storage.
func (r *Run) validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: missing run id", ErrCorruptedRun)
	}
	if len(r.Workflows) == 0 {
		return fmt.Errorf("%w: run %s has no workflows", ErrCorruptedRun, r.ID)
	}
	for name, ws := range r.Workflows {
		switch ws.Status {
		case StatusNotStarted, StatusInProgress, StatusCompleted, StatusFailed:
		default:
			return fmt.Errorf("%w: run %s workflow %q has status %q", ErrCorruptedRun, r.ID, name, ws.Status)
		}
	}
	for child, parents := range r.Edges {
		if _, ok := r.Workflows[child]; !ok {
			return fmt.Errorf("%w: run %s edge child %q is unknown", ErrCorruptedRun, r.ID, child)
		}
		for _, parent := range parents {
			if _, ok := r.Workflows[parent]; !ok {
				return fmt.Errorf("%w: run %s edge parent %q is unknown", ErrCorruptedRun, r.ID, parent)
			}
		}
	}
	return nil
}
