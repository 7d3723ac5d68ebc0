package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"photo-plotter/internal/artifact"
	"photo-plotter/internal/models"
	"photo-plotter/internal/motion"
	"photo-plotter/internal/outline"
	"photo-plotter/internal/plotter"
	"photo-plotter/internal/registry"
	"photo-plotter/internal/telemetry"
)

// Queue is the hand-off between the API and the print worker.
type Queue interface {
	Pop(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	Inflight(ctx context.Context) ([]string, error)
	Depth(ctx context.Context) (int64, error)
}

// Config wires the scheduler's collaborators. All fields are required
// except Log, which defaults to the standard logger.
type Config struct {
	Registry  *registry.Registry
	Queue     Queue
	Artifacts artifact.Store
	Extractor *outline.Extractor
	Compiler  *motion.Compiler
	Link      plotter.Config

	// FeedRate is used for the advisory duration estimate.
	FeedRate     int
	PollInterval time.Duration
	Log          *logrus.Logger
}

// Scheduler drains the print queue one job at a time. A popped job is
// compiled from its rendered image, streamed over the serial link, and
// driven to a terminal status. The registry's one-active-print guard holds
// because there is a single scheduler loop per process and transitions into
// printing happen before enqueue.
type Scheduler struct {
	cfg Config
	log *logrus.Logger

	mu sync.Mutex
	// activeJob is set for the whole processing attempt; active only once
	// the link is open. A cancel landing in between is parked in
	// cancelPending and honored before streaming starts.
	active        *plotter.Link
	activeJob     string
	cancelPending bool
}

func New(cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Scheduler{cfg: cfg, log: log}
}

// Run blocks until ctx is cancelled. Interrupted prints from a previous
// process are failed before the first poll.
func (s *Scheduler) Run(ctx context.Context) {
	if err := s.Recover(ctx); err != nil {
		s.log.WithError(err).Error("recover interrupted prints")
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jobID, err := s.cfg.Queue.Pop(ctx)
		if err != nil {
			s.log.WithError(err).Error("pop print queue")
			continue
		}
		if jobID == "" {
			continue
		}
		s.process(ctx, jobID)
		s.updateDepth(ctx)
	}
}

// Recover fails any job that was in flight when the previous process died.
// The device state after a crash is unknown, so the print is never resumed.
func (s *Scheduler) Recover(ctx context.Context) error {
	ids, err := s.cfg.Queue.Inflight(ctx)
	if err != nil {
		return fmt.Errorf("list inflight jobs: %w", err)
	}
	for _, id := range ids {
		job, err := s.cfg.Registry.Get(ctx, id)
		if err == nil && job.Status == models.StatusPrinting {
			if _, err := s.cfg.Registry.Apply(ctx, id, models.ActionFail, registry.ApplyOptions{
				ErrorMessage: "print interrupted by service restart",
			}); err != nil {
				s.log.WithError(err).WithField("job_id", id).Error("fail interrupted print")
				continue
			}
			s.log.WithField("job_id", id).Warn("failed print interrupted by restart")
		}
		if err := s.cfg.Queue.Ack(ctx, id); err != nil {
			s.log.WithError(err).WithField("job_id", id).Error("ack interrupted print")
		}
	}
	return nil
}

// RequestCancel asks the worker to abandon jobID: a streaming attempt stops
// at the next command boundary, and an attempt still compiling never reaches
// the device at all. It reports whether the worker holds that job.
func (s *Scheduler) RequestCancel(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeJob != jobID {
		return false
	}
	if s.active != nil {
		s.active.RequestCancel()
	} else {
		s.cancelPending = true
	}
	return true
}

func (s *Scheduler) process(ctx context.Context, jobID string) {
	log := s.log.WithField("job_id", jobID)

	// Claim the job before anything else. From here a cancel request is
	// parked (or forwarded to the open link) instead of racing the
	// registry; a cancel that won the race beforehand shows up as a
	// non-printing status below.
	s.beginAttempt(jobID)
	defer s.clearActive()

	job, err := s.cfg.Registry.Get(ctx, jobID)
	if err != nil {
		var nf *registry.NotFoundError
		if errors.As(err, &nf) {
			log.Warn("queued job no longer exists")
			s.ack(ctx, jobID)
			return
		}
		log.WithError(err).Error("load queued job")
		return
	}
	if job.Status != models.StatusPrinting {
		// The API moves jobs to printing before enqueueing; anything else
		// here means the job was cancelled while waiting.
		log.WithField("status", job.Status).Warn("skipping job not in printing state")
		s.ack(ctx, jobID)
		return
	}

	telemetry.PrintingGauge.Set(1)
	defer telemetry.PrintingGauge.Set(0)

	program, err := s.prepare(ctx, job)
	if s.cancelRequested() {
		telemetry.PrintsCancelled.Inc()
		log.Info("print cancelled before streaming")
		s.finish(ctx, jobID, models.ActionCancel, "")
		return
	}
	if err != nil {
		log.WithError(err).Error("prepare motion program")
		s.finish(ctx, jobID, models.ActionFail, err.Error())
		return
	}

	link, err := plotter.Open(s.cfg.Link)
	if err != nil {
		log.WithError(err).Error("open plotter link")
		s.finish(ctx, jobID, models.ActionFail, fmt.Sprintf("open plotter link: %v", err))
		return
	}
	s.setActive(link)

	start := time.Now()
	streamErr := link.Stream(ctx, program)
	telemetry.CommandsStreamed.Add(float64(link.Sent()))
	telemetry.SerialRetries.Add(float64(link.Retries()))
	if err := link.Close(); err != nil {
		log.WithError(err).Warn("close plotter link")
	}

	switch {
	case streamErr == nil:
		telemetry.PrintsCompleted.Inc()
		log.WithField("duration", time.Since(start).Round(time.Millisecond)).Info("print completed")
		s.finish(ctx, jobID, models.ActionComplete, "")
	case errors.Is(streamErr, plotter.ErrCancelled):
		telemetry.PrintsCancelled.Inc()
		log.Info("print cancelled")
		s.finish(ctx, jobID, models.ActionCancel, "")
	default:
		telemetry.PrintsFailed.Inc()
		log.WithError(streamErr).Error("print failed")
		s.finish(ctx, jobID, models.ActionFail, streamErr.Error())
	}
}

// prepare derives a fresh motion program from the job's rendered image and
// persists it as an artifact. Each attempt gets its own program ref so a
// reprint never aliases a stale artifact.
func (s *Scheduler) prepare(ctx context.Context, job models.Job) (*motion.Program, error) {
	if job.RenderedImageRef == "" {
		return nil, errors.New("job has no rendered image")
	}
	raw, err := s.cfg.Artifacts.Get(ctx, job.RenderedImageRef)
	if err != nil {
		return nil, fmt.Errorf("load rendered image: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode rendered image: %w", err)
	}

	polylines := s.cfg.Extractor.Extract(img)
	program, err := s.cfg.Compiler.Compile(polylines)
	if err != nil {
		return nil, fmt.Errorf("compile motion program: %w", err)
	}

	ref := fmt.Sprintf("%s/program-%s.txt", job.ID, uuid.NewString()[:8])
	if err := s.cfg.Artifacts.Put(ctx, ref, program.EncodeText(), "text/plain"); err != nil {
		return nil, fmt.Errorf("store motion program: %w", err)
	}
	if _, err := s.cfg.Registry.AttachProgram(ctx, job.ID, ref, program.EstimatedSeconds(s.cfg.FeedRate), len(program.Commands)); err != nil {
		return nil, fmt.Errorf("attach motion program: %w", err)
	}
	return program, nil
}

func (s *Scheduler) finish(ctx context.Context, jobID string, action models.Action, errMsg string) {
	if _, err := s.cfg.Registry.Apply(ctx, jobID, action, registry.ApplyOptions{ErrorMessage: errMsg}); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{"job_id": jobID, "action": action}).Error("record print outcome")
	}
	s.ack(ctx, jobID)
}

func (s *Scheduler) ack(ctx context.Context, jobID string) {
	if err := s.cfg.Queue.Ack(ctx, jobID); err != nil {
		s.log.WithError(err).WithField("job_id", jobID).Error("ack print queue")
	}
}

func (s *Scheduler) beginAttempt(jobID string) {
	s.mu.Lock()
	s.activeJob = jobID
	s.active = nil
	s.cancelPending = false
	s.mu.Unlock()
}

// setActive publishes the open link. A cancel parked while the link was
// still closed is forwarded so streaming stops before the first command.
func (s *Scheduler) setActive(link *plotter.Link) {
	s.mu.Lock()
	s.active = link
	if s.cancelPending {
		link.RequestCancel()
	}
	s.mu.Unlock()
}

func (s *Scheduler) cancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelPending
}

func (s *Scheduler) clearActive() {
	s.mu.Lock()
	s.active = nil
	s.activeJob = ""
	s.cancelPending = false
	s.mu.Unlock()
}

func (s *Scheduler) updateDepth(ctx context.Context) {
	depth, err := s.cfg.Queue.Depth(ctx)
	if err != nil {
		return
	}
	telemetry.QueueDepthGauge.Set(float64(depth))
}
