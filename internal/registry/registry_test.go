package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"photo-plotter/internal/models"
	"photo-plotter/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(store.NewMemory())
}

func createRendered(t *testing.T, r *Registry, status models.Status) models.Job {
	t.Helper()
	ctx := context.Background()
	job, err := r.Create(ctx, CreateParams{Requester: "tester", Status: status, SourceImageRef: "src"})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	job, err = r.AttachRendered(ctx, job.ID, "rendered/"+job.ID)
	if err != nil {
		t.Fatalf("attach rendered: %v", err)
	}
	return job
}

func TestApplyUnknownJob(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Apply(context.Background(), "missing", models.ActionConfirm, ApplyOptions{})
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestConflictLeavesJobUnchanged(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	job := createRendered(t, r, models.StatusGenerated)

	before, err := r.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// complete is only legal from printing.
	_, err = r.Apply(ctx, job.ID, models.ActionComplete, ApplyOptions{})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflict.Status != models.StatusGenerated {
		t.Fatalf("conflict should carry current status, got %s", conflict.Status)
	}

	after, err := r.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after != before {
		t.Fatalf("rejected action mutated the job: before=%+v after=%+v", before, after)
	}
}

func TestConfirmRequiresRenderedImage(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	job, err := r.Create(ctx, CreateParams{Status: models.StatusGenerated})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = r.Apply(ctx, job.ID, models.ActionConfirm, ApplyOptions{})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("confirm without render should conflict, got %v", err)
	}
}

func TestHappyPathToCompleted(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	job := createRendered(t, r, models.StatusGenerated)

	for _, action := range []models.Action{models.ActionConfirm, models.ActionApprove, models.ActionStart} {
		var err error
		job, err = r.Apply(ctx, job.ID, action, ApplyOptions{})
		if err != nil {
			t.Fatalf("apply %s: %v", action, err)
		}
	}
	if job.Status != models.StatusPrinting {
		t.Fatalf("expected printing, got %s", job.Status)
	}
	if job.StartedAt == nil {
		t.Fatal("started_at should be set on printing entry")
	}

	job, err := r.Apply(ctx, job.ID, models.ActionComplete, ApplyOptions{})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if job.Status != models.StatusCompleted || job.CompletedAt == nil {
		t.Fatalf("expected completed with timestamp, got %+v", job)
	}
}

func TestStartMutualExclusion(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	a := createRendered(t, r, models.StatusApproved)
	b := createRendered(t, r, models.StatusApproved)

	if _, err := r.Apply(ctx, a.ID, models.ActionStart, ApplyOptions{}); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := r.Apply(ctx, b.ID, models.ActionStart, ApplyOptions{})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("second start should conflict, got %v", err)
	}

	// After the first job reaches a terminal state, the slot frees up.
	if _, err := r.Apply(ctx, a.ID, models.ActionComplete, ApplyOptions{}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := r.Apply(ctx, b.ID, models.ActionStart, ApplyOptions{}); err != nil {
		t.Fatalf("start after slot freed: %v", err)
	}
}

func TestConcurrentStartsAdmitOne(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	for i := range ids {
		ids[i] = createRendered(t, r, models.StatusApproved).ID
	}

	var wg sync.WaitGroup
	results := make([]error, n)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, results[i] = r.Apply(ctx, id, models.ActionStart, ApplyOptions{})
		}(i, id)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var conflict *ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("unexpected error kind: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one start to win, got %d", succeeded)
	}
}

func TestReprintClearsPriorOutcome(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	job := createRendered(t, r, models.StatusApproved)

	if _, err := r.Apply(ctx, job.ID, models.ActionStart, ApplyOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := r.AttachProgram(ctx, job.ID, "program/attempt-1", 12.5, 40); err != nil {
		t.Fatalf("attach program: %v", err)
	}
	job, err := r.Apply(ctx, job.ID, models.ActionFail, ApplyOptions{ErrorMessage: "link timeout"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if job.ErrorMessage == nil || *job.ErrorMessage != "link timeout" {
		t.Fatalf("expected failure message recorded, got %+v", job.ErrorMessage)
	}

	job, err = r.Apply(ctx, job.ID, models.ActionReprint, ApplyOptions{})
	if err != nil {
		t.Fatalf("reprint: %v", err)
	}
	if job.Status != models.StatusPrinting {
		t.Fatalf("expected printing after reprint, got %s", job.Status)
	}
	if job.ErrorMessage != nil {
		t.Fatalf("reprint should clear error_message, got %q", *job.ErrorMessage)
	}
	if job.CompletedAt != nil {
		t.Fatal("reprint should clear completed_at")
	}
	if job.StartedAt == nil {
		t.Fatal("reprint should stamp a fresh started_at")
	}

	// The compiler attaches a fresh program ref for the new attempt.
	job, err = r.AttachProgram(ctx, job.ID, "program/attempt-2", 12.5, 40)
	if err != nil {
		t.Fatalf("attach program: %v", err)
	}
	if job.MotionProgramRef != "program/attempt-2" {
		t.Fatalf("expected new program ref, got %s", job.MotionProgramRef)
	}
}

func TestCancelFromPrinting(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	job := createRendered(t, r, models.StatusApproved)

	if _, err := r.Apply(ctx, job.ID, models.ActionStart, ApplyOptions{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	job, err := r.Apply(ctx, job.ID, models.ActionCancel, ApplyOptions{})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if job.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", job.Status)
	}

	// Terminal: no further cancel.
	if _, err := r.Apply(ctx, job.ID, models.ActionCancel, ApplyOptions{}); err == nil {
		t.Fatal("cancel on cancelled job should conflict")
	}
}

func TestDeleteOnlyPreApproval(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	job := createRendered(t, r, models.StatusGenerated)
	if err := r.Delete(ctx, job.ID); err != nil {
		t.Fatalf("delete generated job: %v", err)
	}
	if _, err := r.Get(ctx, job.ID); err == nil {
		t.Fatal("deleted job should be gone")
	}

	approved := createRendered(t, r, models.StatusApproved)
	err := r.Delete(ctx, approved.ID)
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("delete of approved job should conflict, got %v", err)
	}
}

func TestListOrdering(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first := createRendered(t, r, models.StatusGenerated)
	second := createRendered(t, r, models.StatusGenerated)

	jobs, err := r.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0].CreatedAt.After(jobs[1].CreatedAt) {
		t.Fatalf("jobs not ordered by created_at: %s then %s", first.ID, second.ID)
	}
}
