package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"photo-plotter/internal/artifact"
	"photo-plotter/internal/models"
	"photo-plotter/internal/registry"
	"photo-plotter/internal/render"
	"photo-plotter/internal/telemetry"
)

const maxUploadBytes = 16 << 20

// Renderer turns a text prompt into canvas-sized PNG bytes.
type Renderer interface {
	Render(ctx context.Context, prompt string) ([]byte, error)
}

// Queue is the slice of the print queue the API needs: handing jobs to the
// worker and pulling them back out before the worker claims them.
type Queue interface {
	Push(ctx context.Context, jobID string) error
	Remove(ctx context.Context, jobID string) (bool, error)
}

// Canceller interrupts an in-progress streaming attempt.
type Canceller interface {
	RequestCancel(jobID string) bool
}

// Limiter throttles submissions per requester.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// Config wires the server's collaborators. Renderer and Limiter may be nil;
// submissions then require an uploaded photo and are never throttled.
type Config struct {
	Registry   *registry.Registry
	Artifacts  artifact.Store
	Queue      Queue
	Canceller  Canceller
	Renderer   Renderer
	Limiter    Limiter
	CanvasSize int
	Log        *logrus.Logger
}

// Server exposes the job lifecycle over HTTP. Requester-facing routes live
// under /api/jobs; operator actions live under /api/admin.
type Server struct {
	cfg    Config
	log    *logrus.Logger
	router chi.Router
}

func NewServer(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{cfg: cfg, log: log}
	s.router = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{id}", s.handleGet)
		r.Get("/{id}/preview", s.handlePreview)
		r.Get("/{id}/program", s.handleProgram)
		r.Post("/{id}/confirm", s.handleAction(models.ActionConfirm))
		r.Delete("/{id}", s.handleDelete)
	})

	r.Post("/api/admin/uploads", s.handleAdminUpload)
	r.Route("/api/admin/jobs/{id}", func(r chi.Router) {
		r.Post("/approve", s.handleAction(models.ActionApprove))
		r.Post("/queue", s.handleAction(models.ActionQueue))
		r.Post("/start", s.handleStart)
		r.Post("/cancel", s.handleCancel)
		r.Post("/rendered", s.handleUploadRendered)
	})

	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).Round(time.Microsecond),
		}).Info("http request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubmit accepts a multipart submission: requester plus a prompt, an
// uploaded photo, or both. When a renderer is configured the prompt drives
// image generation; otherwise the photo itself becomes the rendered input.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	requester := strings.TrimSpace(r.FormValue("requester"))
	if requester == "" {
		writeError(w, http.StatusBadRequest, "requester is required")
		return
	}
	style := strings.TrimSpace(r.FormValue("style"))
	if style == "" {
		style = string(render.DefaultStyle)
	}
	if !render.ValidStyle(style) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown style %q, valid styles: %s", style, strings.Join(render.StyleNames(), ", ")))
		return
	}
	prompt := strings.TrimSpace(r.FormValue("prompt"))

	photo, hasPhoto, err := readUpload(r, "photo")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if prompt == "" && !hasPhoto {
		writeError(w, http.StatusBadRequest, "either a prompt or a photo is required")
		return
	}
	if prompt != "" && s.cfg.Renderer == nil && !hasPhoto {
		writeError(w, http.StatusServiceUnavailable, "image generation is not configured, upload a photo instead")
		return
	}

	if s.cfg.Limiter != nil {
		allowed, _, err := s.cfg.Limiter.Allow(r.Context(), requester)
		if err != nil {
			s.log.WithError(err).Error("rate limiter check")
		} else if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "submission limit reached, try again later")
			return
		}
	}

	params := registry.CreateParams{
		Requester: requester,
		Email:     strings.TrimSpace(r.FormValue("email")),
		Style:     style,
		Prompt:    prompt,
		Status:    models.StatusGenerated,
	}

	// Generation happens synchronously so the requester sees the preview
	// (or the failure) in the submit response.
	var rendered []byte
	switch {
	case prompt != "" && s.cfg.Renderer != nil:
		rendered, err = s.cfg.Renderer.Render(r.Context(), render.PromptFor(render.Style(style), prompt))
		if err != nil {
			params.Status = models.StatusFailed
			params.ErrorMessage = fmt.Sprintf("image generation: %v", err)
		}
	default:
		rendered, err = s.normalizeUpload(photo)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	job, err := s.cfg.Registry.Create(r.Context(), params)
	if err != nil {
		s.respondError(w, err)
		return
	}
	telemetry.JobsSubmitted.Inc()

	if hasPhoto {
		ref := job.ID + "/source.png"
		if err := s.cfg.Artifacts.Put(r.Context(), ref, photo, "image/png"); err != nil {
			s.log.WithError(err).WithField("job_id", job.ID).Error("store source photo")
		} else if job, err = s.cfg.Registry.AttachSource(r.Context(), job.ID, ref); err != nil {
			s.respondError(w, err)
			return
		}
	}
	if len(rendered) > 0 {
		ref := job.ID + "/rendered.png"
		if err := s.cfg.Artifacts.Put(r.Context(), ref, rendered, "image/png"); err != nil {
			s.respondError(w, fmt.Errorf("store rendered image: %w", err))
			return
		}
		if job, err = s.cfg.Registry.AttachRendered(r.Context(), job.ID, ref); err != nil {
			s.respondError(w, err)
			return
		}
	}

	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.cfg.Registry.List(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.cfg.Registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, func(job models.Job) (string, string) {
		return job.RenderedImageRef, "image/png"
	})
}

func (s *Server) handleProgram(w http.ResponseWriter, r *http.Request) {
	s.serveArtifact(w, r, func(job models.Job) (string, string) {
		return job.MotionProgramRef, "text/plain; charset=utf-8"
	})
}

func (s *Server) serveArtifact(w http.ResponseWriter, r *http.Request, pick func(models.Job) (string, string)) {
	job, err := s.cfg.Registry.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondError(w, err)
		return
	}
	ref, contentType := pick(job)
	if ref == "" {
		writeError(w, http.StatusNotFound, "artifact not available")
		return
	}
	body, err := s.cfg.Artifacts.Get(r.Context(), ref)
	if errors.Is(err, artifact.ErrNotFound) {
		writeError(w, http.StatusNotFound, "artifact not available")
		return
	}
	if err != nil {
		s.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

// handleAction covers the transitions that need no side effects beyond the
// registry: confirm, approve, queue.
func (s *Server) handleAction(action models.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.cfg.Registry.Apply(r.Context(), chi.URLParam(r, "id"), action, registry.ApplyOptions{})
		if err != nil {
			s.respondError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// handleStart moves a job into printing and hands it to the worker. With
// ?reprint=1 a finished job is re-admitted instead, discarding its previous
// outcome.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	action := models.ActionStart
	if r.URL.Query().Get("reprint") == "1" {
		action = models.ActionReprint
	}

	job, err := s.cfg.Registry.Apply(r.Context(), id, action, registry.ApplyOptions{})
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.cfg.Queue.Push(r.Context(), id); err != nil {
		s.log.WithError(err).WithField("job_id", id).Error("enqueue print")
		if _, ferr := s.cfg.Registry.Apply(r.Context(), id, models.ActionFail, registry.ApplyOptions{
			ErrorMessage: fmt.Sprintf("enqueue print: %v", err),
		}); ferr != nil {
			s.log.WithError(ferr).WithField("job_id", id).Error("record enqueue failure")
		}
		writeError(w, http.StatusInternalServerError, "failed to enqueue print")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancel stops a job wherever it is. A print that is actively
// streaming finishes at the next command boundary; the worker records the
// cancelled status, so the response is 202 rather than the final state.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.cfg.Registry.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}

	if job.Status == models.StatusPrinting && s.cfg.Canceller != nil && s.cfg.Canceller.RequestCancel(id) {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
		return
	}

	job, err = s.cfg.Registry.Apply(r.Context(), id, models.ActionCancel, registry.ApplyOptions{})
	if err != nil {
		s.respondError(w, err)
		return
	}
	if _, err := s.cfg.Queue.Remove(r.Context(), id); err != nil {
		s.log.WithError(err).WithField("job_id", id).Error("remove cancelled job from queue")
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleAdminUpload creates a job directly from an operator-supplied line
// drawing, skipping generation and, optionally, the requester confirmation
// step.
func (s *Server) handleAdminUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	body, ok, err := readUpload(r, "image")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "image file is required")
		return
	}
	normalized, err := s.normalizeUpload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := models.StatusConfirmed
	switch r.FormValue("status") {
	case "", string(models.StatusConfirmed):
	case string(models.StatusApproved):
		status = models.StatusApproved
	default:
		writeError(w, http.StatusBadRequest, "status must be confirmed or approved")
		return
	}

	job, err := s.cfg.Registry.Create(r.Context(), registry.CreateParams{
		Requester: strings.TrimSpace(r.FormValue("requester")),
		Email:     strings.TrimSpace(r.FormValue("email")),
		Status:    status,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	telemetry.JobsSubmitted.Inc()

	ref := job.ID + "/rendered.png"
	if err := s.cfg.Artifacts.Put(r.Context(), ref, normalized, "image/png"); err != nil {
		s.respondError(w, fmt.Errorf("store rendered image: %w", err))
		return
	}
	if job, err = s.cfg.Registry.AttachRendered(r.Context(), job.ID, ref); err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// handleUploadRendered lets an operator attach a hand-made line drawing,
// bypassing image generation. The upload is normalized to the canvas the
// same way generated images are.
func (s *Server) handleUploadRendered(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	body, ok, err := readUpload(r, "image")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusBadRequest, "image file is required")
		return
	}
	normalized, err := s.normalizeUpload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ref := id + "/rendered.png"
	if err := s.cfg.Artifacts.Put(r.Context(), ref, normalized, "image/png"); err != nil {
		s.respondError(w, fmt.Errorf("store rendered image: %w", err))
		return
	}
	job, err := s.cfg.Registry.AttachRendered(r.Context(), id, ref)
	if err != nil {
		s.respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) normalizeUpload(body []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("unsupported image: %w", err)
	}
	return render.NormalizePNG(img, s.cfg.CanvasSize)
}

func readUpload(r *http.Request, field string) ([]byte, bool, error) {
	file, _, err := r.FormFile(field)
	if errors.Is(err, http.ErrMissingFile) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read %s upload: %w", field, err)
	}
	defer file.Close()
	body, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		return nil, false, fmt.Errorf("read %s upload: %w", field, err)
	}
	return body, true, nil
}

func (s *Server) respondError(w http.ResponseWriter, err error) {
	var nf *registry.NotFoundError
	var conflict *registry.ConflictError
	switch {
	case errors.As(err, &nf):
		writeError(w, http.StatusNotFound, nf.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, conflict.Error())
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
