package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lexfield/capture-engine/internal/registry"
)

// ErrCaseNotFound indicates no docket row exists.
var ErrCaseNotFound = errors.New("case not found")

// Case is one docket entry in the acervo table. ExternalID is the case id
// inside the source system (id_pje).
type Case struct {
	ID                int64                  `db:"id" json:"id"`
	ExternalID        int64                  `db:"external_id" json:"id_pje"`
	CaseNumber        string                 `db:"case_number" json:"numero_processo"`
	TargetCode        registry.TribunalCode  `db:"target_code" json:"trt"`
	InstanceLevel     registry.InstanceLevel `db:"instance_level" json:"grau"`
	JudicialClass     string                 `db:"judicial_class" json:"classe_judicial"`
	CourtBody         string                 `db:"court_body" json:"orgao_julgador"`
	Archived          bool                   `db:"archived" json:"arquivado"`
	PartiesCapturedAt *time.Time             `db:"parties_captured_at" json:"partes_capturadas_em,omitempty"`
	CreatedAt         time.Time              `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time              `db:"updated_at" json:"updated_at"`
}

// CaseRepository persists the docket rows that capture runs feed.
type CaseRepository struct {
	db *sql.DB
}

func NewCaseRepository(db *sql.DB) *CaseRepository {
	return &CaseRepository{db: db}
}

// Upsert inserts the case or refreshes its mutable columns, keyed by the
// source-system identity (external_id, target_code, instance_level).
func (r *CaseRepository) Upsert(ctx context.Context, c *Case) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	query := `
		INSERT INTO acervo (
			external_id, case_number, target_code, instance_level,
			judicial_class, court_body, archived, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_id, target_code, instance_level)
		DO UPDATE SET case_number = EXCLUDED.case_number,
					  judicial_class = EXCLUDED.judicial_class,
					  court_body = EXCLUDED.court_body,
					  archived = EXCLUDED.archived,
					  updated_at = EXCLUDED.updated_at
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		c.ExternalID, c.CaseNumber, c.TargetCode, c.InstanceLevel,
		c.JudicialClass, c.CourtBody, c.Archived, c.CreatedAt, c.UpdatedAt,
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert case: %w", err)
	}
	return nil
}

// MarkPartiesCaptured records that a parties capture ran for the case.
func (r *CaseRepository) MarkPartiesCaptured(ctx context.Context, caseID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE acervo SET parties_captured_at = $2, updated_at = $2 WHERE id = $1`,
		caseID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark parties captured: %w", err)
	}
	return nil
}

// GetByID returns one case.
func (r *CaseRepository) GetByID(ctx context.Context, id int64) (*Case, error) {
	query := `
		SELECT id, external_id, case_number, target_code, instance_level,
			   judicial_class, court_body, archived, parties_captured_at,
			   created_at, updated_at
		FROM acervo WHERE id = $1`

	c := &Case{}
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&c.ID, &c.ExternalID, &c.CaseNumber, &c.TargetCode, &c.InstanceLevel,
		&c.JudicialClass, &c.CourtBody, &c.Archived, &c.PartiesCapturedAt,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCaseNotFound
		}
		return nil, fmt.Errorf("failed to get case: %w", err)
	}
	return c, nil
}

// ListPendingParties returns cases of one target and level that never had a
// parties capture, oldest first. A zero limit returns everything.
func (r *CaseRepository) ListPendingParties(ctx context.Context, code registry.TribunalCode, level registry.InstanceLevel, limit int) ([]*Case, error) {
	query := `
		SELECT id, external_id, case_number, target_code, instance_level,
			   judicial_class, court_body, archived, parties_captured_at,
			   created_at, updated_at
		FROM acervo
		WHERE target_code = $1 AND instance_level = $2 AND parties_captured_at IS NULL
		ORDER BY created_at`
	args := []interface{}{code, level}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending cases: %w", err)
	}
	defer rows.Close()

	var cases []*Case
	for rows.Next() {
		c := &Case{}
		err := rows.Scan(&c.ID, &c.ExternalID, &c.CaseNumber, &c.TargetCode, &c.InstanceLevel,
			&c.JudicialClass, &c.CourtBody, &c.Archived, &c.PartiesCapturedAt,
			&c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// CasesWithPartiesButNoLinks returns cases where a parties capture ran yet
// no case-party link exists. Consumed by the consistency auditor.
func (r *CaseRepository) CasesWithPartiesButNoLinks(ctx context.Context, caseID *int64) ([]*Case, error) {
	query := `
		SELECT a.id, a.external_id, a.case_number, a.target_code, a.instance_level,
			   a.judicial_class, a.court_body, a.archived, a.parties_captured_at,
			   a.created_at, a.updated_at
		FROM acervo a
		LEFT JOIN processo_partes p ON p.case_id = a.id
		WHERE a.parties_captured_at IS NOT NULL AND p.id IS NULL`
	args := []interface{}{}
	if caseID != nil {
		query += " AND a.id = $1"
		args = append(args, *caseID)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query unlinked cases: %w", err)
	}
	defer rows.Close()

	var cases []*Case
	for rows.Next() {
		c := &Case{}
		err := rows.Scan(&c.ID, &c.ExternalID, &c.CaseNumber, &c.TargetCode, &c.InstanceLevel,
			&c.JudicialClass, &c.CourtBody, &c.Archived, &c.PartiesCapturedAt,
			&c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan case: %w", err)
		}
		cases = append(cases, c)
	}
	return cases, rows.Err()
}

// OrphanedCrossReferences returns cross-references whose entity is linked to
// no case at all.
func (r *CaseRepository) OrphanedCrossReferences(ctx context.Context) ([]*CrossReference, error) {
	query := `
		SELECT c.id, c.entity_type, c.entity_id, c.external_system, c.target_code,
			   c.instance_level, c.external_person_id, c.created_at
		FROM cadastros_pje c
		LEFT JOIN processo_partes p
		  ON p.entity_type = c.entity_type AND p.entity_id = c.entity_id
		WHERE p.id IS NULL`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned cross-references: %w", err)
	}
	defer rows.Close()

	var refs []*CrossReference
	for rows.Next() {
		ref := &CrossReference{}
		err := rows.Scan(&ref.ID, &ref.EntityType, &ref.EntityID, &ref.ExternalSystem,
			&ref.TargetCode, &ref.InstanceLevel, &ref.ExternalPersonID, &ref.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cross-reference: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// DuplicateDocument is one legal id shared by entities across types.
type DuplicateDocument struct {
	Document string
	Types    []EntityType
	IDs      []int64
}

// DocumentsSharedAcrossTypes returns legal ids that appear in more than one
// entity table.
func (r *CaseRepository) DocumentsSharedAcrossTypes(ctx context.Context) ([]*DuplicateDocument, error) {
	query := `
		SELECT documento, entity_type, id FROM (
			SELECT documento, 'cliente' AS entity_type, id FROM clientes WHERE documento IS NOT NULL
			UNION ALL
			SELECT documento, 'parte_contraria', id FROM partes_contrarias WHERE documento IS NOT NULL
			UNION ALL
			SELECT documento, 'terceiro', id FROM terceiros WHERE documento IS NOT NULL
			UNION ALL
			SELECT documento, 'representante', id FROM representantes WHERE documento IS NOT NULL
		) all_docs
		WHERE documento IN (
			SELECT documento FROM (
				SELECT DISTINCT documento, 'cliente' AS t FROM clientes WHERE documento IS NOT NULL
				UNION
				SELECT DISTINCT documento, 'parte_contraria' FROM partes_contrarias WHERE documento IS NOT NULL
				UNION
				SELECT DISTINCT documento, 'terceiro' FROM terceiros WHERE documento IS NOT NULL
				UNION
				SELECT DISTINCT documento, 'representante' FROM representantes WHERE documento IS NOT NULL
			) typed GROUP BY documento HAVING COUNT(*) > 1
		)
		ORDER BY documento`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicate documents: %w", err)
	}
	defer rows.Close()

	byDoc := make(map[string]*DuplicateDocument)
	var order []string
	for rows.Next() {
		var doc string
		var entityType EntityType
		var id int64
		if err := rows.Scan(&doc, &entityType, &id); err != nil {
			return nil, fmt.Errorf("failed to scan duplicate document: %w", err)
		}

		dup, ok := byDoc[doc]
		if !ok {
			dup = &DuplicateDocument{Document: doc}
			byDoc[doc] = dup
			order = append(order, doc)
		}
		dup.Types = append(dup.Types, entityType)
		dup.IDs = append(dup.IDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	dups := make([]*DuplicateDocument, 0, len(order))
	for _, doc := range order {
		dups = append(dups, byDoc[doc])
	}
	return dups, nil
}
