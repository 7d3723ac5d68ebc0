package registry

import (
	"fmt"

	"photo-plotter/internal/models"
)

// NotFoundError reports an unknown job id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.ID)
}

// ConflictError reports an action applied against a disallowed source state.
// The job's persisted state is unchanged when it is returned.
type ConflictError struct {
	ID     string
	Status models.Status
	Action models.Action
	Reason string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot %s job %s in status %s: %s", e.Action, e.ID, e.Status, e.Reason)
	}
	return fmt.Sprintf("cannot %s job %s in status %s", e.Action, e.ID, e.Status)
}
