package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/lexfield/capture-engine/internal/registry"
)

// CaptureType is the category of data pulled in one job.
type CaptureType string

const (
	CaptureGeneralDocket CaptureType = "acervo_geral"
	CaptureArchived      CaptureType = "arquivados"
	CaptureHearings      CaptureType = "audiencias"
	CapturePending       CaptureType = "pendentes"
	CaptureParties       CaptureType = "partes"
)

// IsValid reports whether the capture type is one of the known categories.
func (t CaptureType) IsValid() bool {
	switch t {
	case CaptureGeneralDocket, CaptureArchived, CaptureHearings, CapturePending, CaptureParties:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a capture job. Transitions are forward
// only: pending -> in_progress -> completed | failed. Retrying a failed job
// creates a new job, it never moves a terminal job backward.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ErrInvalidTransition indicates a status update that the forward-only state
// machine does not allow. The write layer enforces it with a guarded UPDATE,
// so a concurrent or repeated transition surfaces here instead of silently
// overwriting state.
var ErrInvalidTransition = errors.New("invalid capture job status transition")

// ErrJobNotFound indicates no ledger row exists for the job id.
var ErrJobNotFound = errors.New("capture job not found")

// CaptureJob is one row of the capture job ledger.
type CaptureJob struct {
	ID               uuid.UUID              `db:"id" json:"id"`
	CaptureType      CaptureType            `db:"capture_type" json:"tipo_captura"`
	Status           JobStatus              `db:"status" json:"status"`
	TargetCode       registry.TribunalCode  `db:"target_code" json:"tribunal"`
	InstanceLevel    registry.InstanceLevel `db:"instance_level" json:"grau"`
	RepresentativeID int64                  `db:"representative_id" json:"advogado_id"`
	CredentialIDs    []int64                `db:"credential_ids" json:"credencial_ids"`
	Result           json.RawMessage        `db:"result" json:"result,omitempty"`
	Error            *string                `db:"error" json:"erro,omitempty"`
	StartedAt        *time.Time             `db:"started_at" json:"iniciado_em,omitempty"`
	FinishedAt       *time.Time             `db:"finished_at" json:"concluido_em,omitempty"`
	CreatedAt        time.Time              `db:"created_at" json:"created_at"`
}

// JobFilter narrows List queries.
type JobFilter struct {
	CaptureType      CaptureType
	RepresentativeID int64
	Status           JobStatus
	From             *time.Time
	To               *time.Time
	Page             int
	PerPage          int
}

// JobRepository persists the capture job ledger.
type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create inserts a new ledger row in pending state.
func (r *JobRepository) Create(ctx context.Context, job *CaptureJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Status = JobPending
	job.CreatedAt = time.Now().UTC()

	query := `
		INSERT INTO capture_jobs (
			id, capture_type, status, target_code, instance_level,
			representative_id, credential_ids, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.CaptureType, job.Status, job.TargetCode, job.InstanceLevel,
		job.RepresentativeID, pq.Array(job.CredentialIDs), job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create capture job: %w", err)
	}
	return nil
}

// Start moves a pending job to in_progress and records started_at.
func (r *JobRepository) Start(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE capture_jobs
		SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4`

	return r.transition(ctx, query, id, JobInProgress, time.Now().UTC(), JobPending)
}

// Complete moves an in_progress job to completed with its typed result.
func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, result json.RawMessage) error {
	query := `
		UPDATE capture_jobs
		SET status = $2, result = $5, finished_at = $3
		WHERE id = $1 AND status = $4`

	res, err := r.db.ExecContext(ctx, query, id, JobCompleted, time.Now().UTC(), JobInProgress, result)
	if err != nil {
		return fmt.Errorf("failed to complete capture job: %w", err)
	}
	return checkTransition(res)
}

// Fail moves a pending or in_progress job to failed with an error message.
// Configuration errors fail a job straight from pending, before any fetch.
func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE capture_jobs
		SET status = $2, error = $3, finished_at = $4
		WHERE id = $1 AND status IN ($5, $6)`

	res, err := r.db.ExecContext(ctx, query,
		id, JobFailed, errMsg, time.Now().UTC(), JobPending, JobInProgress)
	if err != nil {
		return fmt.Errorf("failed to fail capture job: %w", err)
	}
	return checkTransition(res)
}

// FailStale marks jobs stuck in_progress longer than the threshold as failed.
// Run by the external scheduler, never by the executor.
func (r *JobRepository) FailStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		UPDATE capture_jobs
		SET status = $1, error = $2, finished_at = $3
		WHERE status = $4 AND started_at < $5`

	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := r.db.ExecContext(ctx, query,
		JobFailed, "job exceeded maximum in_progress age", time.Now().UTC(), JobInProgress, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to expire stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// GetByID returns the ledger row for a job.
func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*CaptureJob, error) {
	query := `
		SELECT id, capture_type, status, target_code, instance_level,
			   representative_id, credential_ids, result, error,
			   started_at, finished_at, created_at
		FROM capture_jobs WHERE id = $1`

	job := &CaptureJob{}
	var credentialIDs pq.Int64Array
	var result []byte

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.CaptureType, &job.Status, &job.TargetCode, &job.InstanceLevel,
		&job.RepresentativeID, &credentialIDs, &result, &job.Error,
		&job.StartedAt, &job.FinishedAt, &job.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get capture job: %w", err)
	}

	job.CredentialIDs = credentialIDs
	job.Result = result
	return job, nil
}

// List returns a page of jobs matching the filter, newest first, plus the
// total match count.
func (r *JobRepository) List(ctx context.Context, filter JobFilter) ([]*CaptureJob, int, error) {
	where := "WHERE 1=1"
	args := []interface{}{}
	idx := 1

	if filter.CaptureType != "" {
		where += fmt.Sprintf(" AND capture_type = $%d", idx)
		args = append(args, filter.CaptureType)
		idx++
	}
	if filter.RepresentativeID != 0 {
		where += fmt.Sprintf(" AND representative_id = $%d", idx)
		args = append(args, filter.RepresentativeID)
		idx++
	}
	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	if filter.From != nil {
		where += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *filter.From)
		idx++
	}
	if filter.To != nil {
		where += fmt.Sprintf(" AND created_at <= $%d", idx)
		args = append(args, *filter.To)
		idx++
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM capture_jobs " + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count capture jobs: %w", err)
	}

	perPage := filter.PerPage
	if perPage <= 0 {
		perPage = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}

	query := fmt.Sprintf(`
		SELECT id, capture_type, status, target_code, instance_level,
			   representative_id, credential_ids, result, error,
			   started_at, finished_at, created_at
		FROM capture_jobs %s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, where, idx, idx+1)
	args = append(args, perPage, (page-1)*perPage)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list capture jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*CaptureJob
	for rows.Next() {
		job := &CaptureJob{}
		var credentialIDs pq.Int64Array
		var result []byte

		err := rows.Scan(
			&job.ID, &job.CaptureType, &job.Status, &job.TargetCode, &job.InstanceLevel,
			&job.RepresentativeID, &credentialIDs, &result, &job.Error,
			&job.StartedAt, &job.FinishedAt, &job.CreatedAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan capture job: %w", err)
		}

		job.CredentialIDs = credentialIDs
		job.Result = result
		jobs = append(jobs, job)
	}

	return jobs, total, rows.Err()
}

func (r *JobRepository) transition(ctx context.Context, query string, args ...interface{}) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update capture job status: %w", err)
	}
	return checkTransition(res)
}

func checkTransition(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrInvalidTransition
	}
	return nil
}
