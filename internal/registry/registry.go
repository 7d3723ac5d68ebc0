package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"photo-plotter/internal/models"
	"photo-plotter/internal/store"
)

// JobStore persists jobs for the registry. Implemented by store.Postgres
// and store.Memory.
type JobStore interface {
	Insert(ctx context.Context, job models.Job) error
	Get(ctx context.Context, id string) (models.Job, error)
	List(ctx context.Context) ([]models.Job, error)
	Update(ctx context.Context, job models.Job) error
	Delete(ctx context.Context, id string) error
	CountPrinting(ctx context.Context) (int, error)
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Registry is the authoritative state machine for every job. All status
// mutations go through Apply, which validates and writes atomically under
// one process-wide mutex; the at-most-one-PRINTING invariant is enforced
// inside the same critical section.
type Registry struct {
	mu    sync.Mutex
	store JobStore
}

func New(st JobStore) *Registry {
	return &Registry{store: st}
}

// CreateParams collects intake metadata. Status must be one of the valid
// intake states: generated (rendering present), confirmed or approved
// (manual upload), or failed (generation error).
type CreateParams struct {
	Requester      string
	Email          string
	Style          string
	Prompt         string
	Status         models.Status
	SourceImageRef string
	ErrorMessage   string
}

// Create inserts a new job record.
func (r *Registry) Create(ctx context.Context, p CreateParams) (models.Job, error) {
	switch p.Status {
	case models.StatusGenerated, models.StatusConfirmed, models.StatusApproved, models.StatusFailed:
	case "":
		p.Status = models.StatusGenerated
	default:
		return models.Job{}, fmt.Errorf("invalid intake status %q", p.Status)
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:             uuid.New().String(),
		Status:         p.Status,
		Requester:      p.Requester,
		Email:          p.Email,
		Style:          p.Style,
		Prompt:         p.Prompt,
		SourceImageRef: p.SourceImageRef,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.Status == models.StatusFailed && p.ErrorMessage != "" {
		msg := truncate(p.ErrorMessage, 512)
		job.ErrorMessage = &msg
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.store.Insert(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}
	_ = r.store.AppendAudit(ctx, job.ID, "created", fmt.Sprintf("status=%s requester=%s", job.Status, job.Requester))
	return job, nil
}

// Get fetches a job by id.
func (r *Registry) Get(ctx context.Context, id string) (models.Job, error) {
	job, err := r.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, &NotFoundError{ID: id}
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// List returns all jobs ordered by creation time ascending.
func (r *Registry) List(ctx context.Context) ([]models.Job, error) {
	return r.store.List(ctx)
}

// Delete removes a job. Only jobs that never reached approval (and never
// started printing) may be deleted.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{ID: id}
	}
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	deletable := job.Status == models.StatusGenerated ||
		job.Status == models.StatusConfirmed ||
		(job.Status == models.StatusFailed && job.StartedAt == nil)
	if !deletable {
		return &ConflictError{ID: id, Status: job.Status, Action: "delete", Reason: "job already approved"}
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}

// ApplyOptions carries per-action inputs.
type ApplyOptions struct {
	// ErrorMessage is recorded on the fail transition.
	ErrorMessage string
}

// Apply validates and performs a single status transition. It is the sole
// mutating contract for job status: it checks the transition table, enforces
// the one-active-print guard, stamps timestamps, and persists the new state,
// all inside one critical section. Illegal transitions return ConflictError
// and leave the job untouched.
func (r *Registry) Apply(ctx context.Context, id string, action models.Action, opts ApplyOptions) (models.Job, error) {
	dst, ok := action.Destination()
	if !ok {
		return models.Job{}, fmt.Errorf("unknown action %q", action)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, &NotFoundError{ID: id}
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}

	if !action.AllowedFrom(job.Status) {
		return models.Job{}, &ConflictError{ID: id, Status: job.Status, Action: action}
	}
	if action == models.ActionConfirm && job.RenderedImageRef == "" {
		return models.Job{}, &ConflictError{ID: id, Status: job.Status, Action: action, Reason: "rendered image not available"}
	}
	if dst == models.StatusPrinting {
		n, err := r.store.CountPrinting(ctx)
		if err != nil {
			return models.Job{}, fmt.Errorf("count printing jobs: %w", err)
		}
		if n > 0 {
			return models.Job{}, &ConflictError{ID: id, Status: job.Status, Action: action, Reason: "another job is printing"}
		}
	}

	now := time.Now().UTC()
	prev := job.Status
	job.Status = dst
	job.UpdatedAt = now

	switch action {
	case models.ActionStart:
		job.StartedAt = &now
	case models.ActionReprint:
		// Re-entry: prior outcome is discarded and the motion program will
		// be re-derived for this attempt.
		job.ErrorMessage = nil
		job.StartedAt = &now
		job.CompletedAt = nil
	case models.ActionComplete:
		job.CompletedAt = &now
		job.ErrorMessage = nil
	case models.ActionFail:
		job.CompletedAt = &now
		msg := truncate(opts.ErrorMessage, 512)
		job.ErrorMessage = &msg
	case models.ActionCancel:
		job.CompletedAt = &now
	}

	if err := r.store.Update(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	_ = r.store.AppendAudit(ctx, id, string(action), fmt.Sprintf("%s -> %s", prev, job.Status))
	return job, nil
}

// AttachSource records the artifact ref of the requester's uploaded photo.
func (r *Registry) AttachSource(ctx context.Context, id, ref string) (models.Job, error) {
	return r.attach(ctx, id, func(job *models.Job) {
		job.SourceImageRef = ref
	})
}

// AttachRendered records the rendered-image artifact ref once generation
// completes.
func (r *Registry) AttachRendered(ctx context.Context, id, ref string) (models.Job, error) {
	return r.attach(ctx, id, func(job *models.Job) {
		job.RenderedImageRef = ref
	})
}

// AttachProgram records the motion-program artifact ref and the advisory
// metadata computed by the compiler for the current attempt.
func (r *Registry) AttachProgram(ctx context.Context, id, ref string, estimatedSeconds float64, commands int) (models.Job, error) {
	return r.attach(ctx, id, func(job *models.Job) {
		job.MotionProgramRef = ref
		job.EstimatedPrintSeconds = estimatedSeconds
		job.CommandCount = commands
	})
}

func (r *Registry) attach(ctx context.Context, id string, mutate func(*models.Job)) (models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, err := r.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Job{}, &NotFoundError{ID: id}
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("get job: %w", err)
	}
	mutate(&job)
	job.UpdatedAt = time.Now().UTC()
	if err := r.store.Update(ctx, job); err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	return job, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
