package models

import (
	"time"
)

// Status enumerates job lifecycle states persisted in the registry.
type Status string

const (
	StatusGenerated Status = "generated"
	StatusConfirmed Status = "confirmed"
	StatusApproved  Status = "approved"
	StatusQueued    Status = "queued"
	StatusPrinting  Status = "printing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Action names a lifecycle transition request.
type Action string

const (
	ActionConfirm  Action = "confirm"
	ActionApprove  Action = "approve"
	ActionQueue    Action = "queue"
	ActionStart    Action = "start"
	ActionReprint  Action = "reprint"
	ActionComplete Action = "complete"
	ActionFail     Action = "fail"
	ActionCancel   Action = "cancel"
)

// Terminal reports whether a status admits no further transitions other
// than an explicit reprint.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// destinations maps each action to the status it produces.
var destinations = map[Action]Status{
	ActionConfirm:  StatusConfirmed,
	ActionApprove:  StatusApproved,
	ActionQueue:    StatusQueued,
	ActionStart:    StatusPrinting,
	ActionReprint:  StatusPrinting,
	ActionComplete: StatusCompleted,
	ActionFail:     StatusFailed,
	ActionCancel:   StatusCancelled,
}

// sources lists the statuses each action may be applied from. Reprint and
// cancel are open-ended and handled in AllowedFrom.
var sources = map[Action][]Status{
	ActionConfirm:  {StatusGenerated},
	ActionApprove:  {StatusGenerated, StatusConfirmed},
	ActionQueue:    {StatusApproved, StatusConfirmed},
	ActionStart:    {StatusApproved, StatusConfirmed, StatusQueued},
	ActionComplete: {StatusPrinting},
	ActionFail:     {StatusPrinting},
}

// Destination returns the status an action transitions into.
func (a Action) Destination() (Status, bool) {
	dst, ok := destinations[a]
	return dst, ok
}

// AllowedFrom reports whether the action may be applied to a job currently
// in the given status.
func (a Action) AllowedFrom(from Status) bool {
	switch a {
	case ActionReprint:
		return from != StatusPrinting && from != StatusQueued
	case ActionCancel:
		return from != StatusCompleted && from != StatusCancelled
	default:
		for _, s := range sources[a] {
			if s == from {
				return true
			}
		}
		return false
	}
}

// Job is one request to render and plot a single image. Status is mutated
// only through validated registry transitions.
type Job struct {
	ID        string `json:"id"`
	Status    Status `json:"status"`
	Requester string `json:"requester,omitempty"`
	Email     string `json:"email,omitempty"`
	Style     string `json:"style,omitempty"`
	Prompt    string `json:"prompt,omitempty"`

	SourceImageRef   string `json:"source_image_ref,omitempty"`
	RenderedImageRef string `json:"rendered_image_ref,omitempty"`
	MotionProgramRef string `json:"motion_program_ref,omitempty"`

	ErrorMessage *string `json:"error_message,omitempty"`

	// EstimatedPrintSeconds is advisory, derived from the compiled motion
	// program's pen-down travel at the configured feed rate.
	EstimatedPrintSeconds float64 `json:"estimated_print_seconds,omitempty"`
	CommandCount          int     `json:"command_count,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
