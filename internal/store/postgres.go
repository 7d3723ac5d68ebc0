package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"photo-plotter/internal/models"
)

// Postgres persists jobs through pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, status, requester, email, style, prompt,
	source_image_ref, rendered_image_ref, motion_program_ref, error_message,
	estimated_print_seconds, command_count, created_at, updated_at, started_at, completed_at`

func (s *Postgres) Insert(ctx context.Context, job models.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, job.ID, job.Status, job.Requester, job.Email, job.Style, job.Prompt,
		job.SourceImageRef, job.RenderedImageRef, job.MotionProgramRef, job.ErrorMessage,
		job.EstimatedPrintSeconds, job.CommandCount, job.CreatedAt, job.UpdatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

func (s *Postgres) List(ctx context.Context) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Postgres) Update(ctx context.Context, job models.Job) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, requester = $3, email = $4, style = $5, prompt = $6,
			source_image_ref = $7, rendered_image_ref = $8, motion_program_ref = $9,
			error_message = $10, estimated_print_seconds = $11, command_count = $12,
			updated_at = $13, started_at = $14, completed_at = $15
		WHERE id = $1
	`, job.ID, job.Status, job.Requester, job.Email, job.Style, job.Prompt,
		job.SourceImageRef, job.RenderedImageRef, job.MotionProgramRef,
		job.ErrorMessage, job.EstimatedPrintSeconds, job.CommandCount,
		job.UpdatedAt, job.StartedAt, job.CompletedAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) CountPrinting(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, models.StatusPrinting).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count printing jobs: %w", err)
	}
	return n, nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts) VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (models.Job, error) {
	var job models.Job
	var errMsg pgtype.Text
	var started, completed pgtype.Timestamptz

	if err := row.Scan(&job.ID, &job.Status, &job.Requester, &job.Email, &job.Style, &job.Prompt,
		&job.SourceImageRef, &job.RenderedImageRef, &job.MotionProgramRef, &errMsg,
		&job.EstimatedPrintSeconds, &job.CommandCount, &job.CreatedAt, &job.UpdatedAt, &started, &completed); err != nil {
		return models.Job{}, err
	}
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	if started.Valid {
		t := started.Time
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	return job, nil
}
