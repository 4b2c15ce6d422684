// Package rawstore is the append-only home of untransformed capture
// responses. Payloads are never mutated or deleted; the reconciliation
// engine treats them as replayable input. Losing this store must never
// corrupt the job ledger; the two are linked only by job id.
package rawstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lexfield/capture-engine/internal/database"
	"github.com/lexfield/capture-engine/internal/registry"
)

// ErrPayloadNotFound indicates no payload row exists for the id.
var ErrPayloadNotFound = errors.New("raw payload not found")

// RequestContext records what was asked of the source when the payload was
// captured, enough to replay the reconciliation without the original job.
type RequestContext struct {
	CaseNumber       string `json:"numero_processo,omitempty"`
	ExternalCaseID   int64  `json:"id_pje,omitempty"`
	ExternalPersonID int64  `json:"id_pessoa_pje,omitempty"`
	CredentialID     int64  `json:"credencial_id,omitempty"`
}

// RawPayload is one captured response. JobID is nullable: a payload captured
// standalone (or whose job later failed) stays available for reprocessing.
type RawPayload struct {
	ID             uuid.UUID              `json:"id"`
	JobID          *uuid.UUID             `json:"job_id,omitempty"`
	CaptureType    database.CaptureType   `json:"tipo_captura"`
	TargetCode     registry.TribunalCode  `json:"tribunal"`
	InstanceLevel  registry.InstanceLevel `json:"grau"`
	CapturedAt     time.Time              `json:"captured_at"`
	Body           json.RawMessage        `json:"body"`
	RequestContext RequestContext         `json:"request_context"`
}

// Store persists raw payloads in their own table, append-only.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Save appends one payload and fills its id.
func (s *Store) Save(ctx context.Context, p *RawPayload) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CapturedAt.IsZero() {
		p.CapturedAt = time.Now().UTC()
	}

	reqCtx, err := json.Marshal(p.RequestContext)
	if err != nil {
		return fmt.Errorf("failed to marshal request context: %w", err)
	}

	query := `
		INSERT INTO raw_payloads (
			id, job_id, capture_type, target_code, instance_level,
			captured_at, body, request_context
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.db.ExecContext(ctx, query,
		p.ID, p.JobID, p.CaptureType, p.TargetCode, p.InstanceLevel,
		p.CapturedAt, []byte(p.Body), reqCtx)
	if err != nil {
		return fmt.Errorf("failed to save raw payload: %w", err)
	}
	return nil
}

// Get returns one payload by id.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*RawPayload, error) {
	query := `
		SELECT id, job_id, capture_type, target_code, instance_level,
			   captured_at, body, request_context
		FROM raw_payloads WHERE id = $1`

	return s.scan(s.db.QueryRowContext(ctx, query, id))
}

// ListByJob returns every payload a job produced, oldest first.
func (s *Store) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*RawPayload, error) {
	query := `
		SELECT id, job_id, capture_type, target_code, instance_level,
			   captured_at, body, request_context
		FROM raw_payloads WHERE job_id = $1
		ORDER BY captured_at`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to list raw payloads: %w", err)
	}
	defer rows.Close()

	var payloads []*RawPayload
	for rows.Next() {
		p, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		payloads = append(payloads, p)
	}
	return payloads, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *Store) scan(row rowScanner) (*RawPayload, error) {
	p := &RawPayload{}
	var body, reqCtx []byte

	err := row.Scan(&p.ID, &p.JobID, &p.CaptureType, &p.TargetCode, &p.InstanceLevel,
		&p.CapturedAt, &body, &reqCtx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPayloadNotFound
		}
		return nil, fmt.Errorf("failed to scan raw payload: %w", err)
	}

	p.Body = body
	if len(reqCtx) > 0 {
		if err := json.Unmarshal(reqCtx, &p.RequestContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request context: %w", err)
		}
	}
	return p, nil
}
