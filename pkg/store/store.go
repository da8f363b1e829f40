// Package store defines the RunStore interface for PatchPilot persistence.
package store

import "github.com/patchpilot/patchpilot/pkg/model"

// RunStore provides persistence for runs and their event history.
type RunStore interface {
	CreateRun(run *model.Run) error
	GetRun(id string) (*model.Run, error)
	ListRuns() ([]*model.Run, error)
	UpdateRun(run *model.Run) error
	AddEvent(event *model.Event) error
	GetEvents(runID string, afterID int64) ([]*model.Event, error)
	Close() error
}
