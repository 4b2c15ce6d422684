package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lexfield/capture-engine/internal/registry"
)

// EntityType discriminates the normalized party tables.
type EntityType string

const (
	EntityClient         EntityType = "cliente"
	EntityOpposingParty  EntityType = "parte_contraria"
	EntityThirdParty     EntityType = "terceiro"
	EntityRepresentative EntityType = "representante"
)

// entityTables whitelists the table behind each entity type. Queries are
// built only from this map, never from caller input.
var entityTables = map[EntityType]string{
	EntityClient:         "clientes",
	EntityOpposingParty:  "partes_contrarias",
	EntityThirdParty:     "terceiros",
	EntityRepresentative: "representantes",
}

// ErrUnknownEntityType indicates an entity type with no backing table.
var ErrUnknownEntityType = errors.New("unknown entity type")

// ErrEntityNotFound indicates no row matched the lookup.
var ErrEntityNotFound = errors.New("entity not found")

// Entity is one normalized party row. Document is the CPF or CNPJ without
// formatting; empty for entities identified only by name.
type Entity struct {
	ID         int64      `db:"id" json:"id"`
	Type       EntityType `db:"-" json:"tipo"`
	Name       string     `db:"nome" json:"nome"`
	PersonKind string     `db:"tipo_pessoa" json:"tipo_pessoa"` // pf | pj
	Document   string     `db:"documento" json:"documento,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at" json:"updated_at"`
}

// CrossReference maps a local entity to its identifier inside one external
// system. At most one row exists per (entity_type, external_system,
// target_code, instance_level, external_person_id) tuple.
type CrossReference struct {
	ID               int64                  `db:"id" json:"id"`
	EntityType       EntityType             `db:"entity_type" json:"entity_type"`
	EntityID         int64                  `db:"entity_id" json:"entity_id"`
	ExternalSystem   string                 `db:"external_system" json:"external_system"` // PJE, ESAJ, ...
	TargetCode       registry.TribunalCode  `db:"target_code" json:"target_code"`
	InstanceLevel    registry.InstanceLevel `db:"instance_level" json:"instance_level"`
	ExternalPersonID int64                  `db:"external_person_id" json:"external_person_id"`
	CreatedAt        time.Time              `db:"created_at" json:"created_at"`
}

// CaseEntityLink ties a case to an entity with its procedural role.
// Idempotent on (case_id, entity_type, entity_id, role).
type CaseEntityLink struct {
	ID         int64      `db:"id" json:"id"`
	CaseID     int64      `db:"case_id" json:"processo_id"`
	EntityType EntityType `db:"entity_type" json:"entity_type"`
	EntityID   int64      `db:"entity_id" json:"entity_id"`
	Role       string     `db:"role" json:"tipo_parte"`
	Pole       string     `db:"pole" json:"polo"` // ativo | passivo | outros
	Order      int        `db:"display_order" json:"ordem"`
	Principal  bool       `db:"principal" json:"principal"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
}

// Address is a captured address keyed by the external address id so repeated
// captures refresh instead of duplicating.
type Address struct {
	ID                int64      `db:"id" json:"id"`
	EntityType        EntityType `db:"entity_type" json:"entity_type"`
	EntityID          int64      `db:"entity_id" json:"entity_id"`
	ExternalAddressID int64      `db:"external_address_id" json:"id_endereco_pje"`
	Street            string     `db:"street" json:"logradouro"`
	Number            string     `db:"number" json:"numero"`
	District          string     `db:"district" json:"bairro"`
	City              string     `db:"city" json:"municipio"`
	State             string     `db:"state" json:"estado"`
	PostalCode        string     `db:"postal_code" json:"cep"`
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// EntityStore runs entity operations against a *sql.DB or an open *sql.Tx.
type EntityStore struct {
	q queryer
}

// EntityRepository persists normalized entities, cross-references, case
// links and addresses.
type EntityRepository struct {
	EntityStore
	db *sql.DB
}

func NewEntityRepository(db *sql.DB) *EntityRepository {
	return &EntityRepository{EntityStore: EntityStore{q: db}, db: db}
}

// WithTx runs fn inside one transaction so a crash mid-reconciliation leaves
// individually consistent rows, never half-written entities.
func (r *EntityRepository) WithTx(ctx context.Context, fn func(*EntityStore) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&EntityStore{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func tableFor(entityType EntityType) (string, error) {
	table, ok := entityTables[entityType]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	return table, nil
}

// FindByName returns the entity of the given type whose name matches
// case-insensitively, or ErrEntityNotFound.
func (s *EntityStore) FindByName(ctx context.Context, entityType EntityType, name string) (*Entity, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, nome, tipo_pessoa, COALESCE(documento, ''), created_at, updated_at
		FROM %s WHERE LOWER(nome) = LOWER($1)
		ORDER BY id LIMIT 1`, table)

	return s.scanEntity(ctx, entityType, query, name)
}

// FindByDocument returns the entity of the given type with the normalized
// CPF/CNPJ, or ErrEntityNotFound.
func (s *EntityStore) FindByDocument(ctx context.Context, entityType EntityType, document string) (*Entity, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, nome, tipo_pessoa, COALESCE(documento, ''), created_at, updated_at
		FROM %s WHERE documento = $1
		ORDER BY id LIMIT 1`, table)

	return s.scanEntity(ctx, entityType, query, document)
}

func (s *EntityStore) scanEntity(ctx context.Context, entityType EntityType, query string, args ...interface{}) (*Entity, error) {
	e := &Entity{Type: entityType}
	err := s.q.QueryRowContext(ctx, query, args...).Scan(
		&e.ID, &e.Name, &e.PersonKind, &e.Document, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to query entity: %w", err)
	}
	return e, nil
}

// CreateEntity inserts a new entity and fills its id.
func (s *EntityStore) CreateEntity(ctx context.Context, e *Entity) error {
	table, err := tableFor(e.Type)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	var document interface{}
	if e.Document != "" {
		document = e.Document
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (nome, tipo_pessoa, documento, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`, table)

	err = s.q.QueryRowContext(ctx, query, e.Name, e.PersonKind, document, e.CreatedAt, e.UpdatedAt).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", e.Type, err)
	}
	return nil
}

// RefreshEntityName updates the display name on a re-sighting. Entities are
// never deleted by the engine.
func (s *EntityStore) RefreshEntityName(ctx context.Context, entityType EntityType, id int64, name string) error {
	table, err := tableFor(entityType)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`UPDATE %s SET nome = $2, updated_at = $3 WHERE id = $1`, table)
	_, err = s.q.ExecContext(ctx, query, id, name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to refresh %s name: %w", entityType, err)
	}
	return nil
}

// ListEntities returns all entities of a type, used to build the in-memory
// name index for level-1 matching.
func (s *EntityStore) ListEntities(ctx context.Context, entityType EntityType) ([]*Entity, error) {
	table, err := tableFor(entityType)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, nome, tipo_pessoa, COALESCE(documento, ''), created_at, updated_at
		FROM %s ORDER BY id`, table)

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", entityType, err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		e := &Entity{Type: entityType}
		if err := rows.Scan(&e.ID, &e.Name, &e.PersonKind, &e.Document, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", entityType, err)
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

// ListCrossReferences returns every mapping, used to build the in-memory
// index for level-2 matching.
func (s *EntityStore) ListCrossReferences(ctx context.Context) ([]*CrossReference, error) {
	query := `
		SELECT id, entity_type, entity_id, external_system, target_code,
			   instance_level, external_person_id, created_at
		FROM cadastros_pje ORDER BY id`

	rows, err := s.q.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cross-references: %w", err)
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

// FindCrossReference looks up a mapping by its external identity tuple.
func (s *EntityStore) FindCrossReference(
	ctx context.Context,
	entityType EntityType,
	externalSystem string,
	targetCode registry.TribunalCode,
	level registry.InstanceLevel,
	externalPersonID int64,
) (*CrossReference, error) {
	query := `
		SELECT id, entity_type, entity_id, external_system, target_code,
			   instance_level, external_person_id, created_at
		FROM cadastros_pje
		WHERE entity_type = $1 AND external_system = $2 AND target_code = $3
		  AND instance_level = $4 AND external_person_id = $5`

	ref := &CrossReference{}
	err := s.q.QueryRowContext(ctx, query, entityType, externalSystem, targetCode, level, externalPersonID).Scan(
		&ref.ID, &ref.EntityType, &ref.EntityID, &ref.ExternalSystem, &ref.TargetCode,
		&ref.InstanceLevel, &ref.ExternalPersonID, &ref.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("failed to query cross-reference: %w", err)
	}
	return ref, nil
}

// UpsertCrossReference inserts the mapping or, when the external identity
// tuple is already mapped, keeps the existing row pointed at its entity.
// The composite unique constraint guarantees one local entity per external
// identifier within a (system, target, level) scope.
func (s *EntityStore) UpsertCrossReference(ctx context.Context, ref *CrossReference) error {
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO cadastros_pje (
			entity_type, entity_id, external_system, target_code,
			instance_level, external_person_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity_type, external_system, target_code, instance_level, external_person_id)
		DO UPDATE SET entity_type = cadastros_pje.entity_type
		RETURNING id, entity_id`

	err := s.q.QueryRowContext(ctx, query,
		ref.EntityType, ref.EntityID, ref.ExternalSystem, ref.TargetCode,
		ref.InstanceLevel, ref.ExternalPersonID, ref.CreatedAt,
	).Scan(&ref.ID, &ref.EntityID)
	if err != nil {
		return fmt.Errorf("failed to upsert cross-reference: %w", err)
	}
	return nil
}

// UpsertCaseEntityLink records the case-party link, idempotent on
// (case_id, entity_type, entity_id, role).
func (s *EntityStore) UpsertCaseEntityLink(ctx context.Context, link *CaseEntityLink) error {
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO processo_partes (
			case_id, entity_type, entity_id, role, pole, display_order, principal, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (case_id, entity_type, entity_id, role)
		DO UPDATE SET pole = EXCLUDED.pole,
					  display_order = EXCLUDED.display_order,
					  principal = EXCLUDED.principal
		RETURNING id`

	err := s.q.QueryRowContext(ctx, query,
		link.CaseID, link.EntityType, link.EntityID, link.Role,
		link.Pole, link.Order, link.Principal, link.CreatedAt,
	).Scan(&link.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert case entity link: %w", err)
	}
	return nil
}

// UpsertAddress refreshes the address keyed by the external address id.
func (s *EntityStore) UpsertAddress(ctx context.Context, addr *Address) error {
	query := `
		INSERT INTO enderecos (
			entity_type, entity_id, external_address_id,
			street, number, district, city, state, postal_code
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (entity_type, entity_id, external_address_id)
		DO UPDATE SET street = EXCLUDED.street,
					  number = EXCLUDED.number,
					  district = EXCLUDED.district,
					  city = EXCLUDED.city,
					  state = EXCLUDED.state,
					  postal_code = EXCLUDED.postal_code
		RETURNING id`

	err := s.q.QueryRowContext(ctx, query,
		addr.EntityType, addr.EntityID, addr.ExternalAddressID,
		addr.Street, addr.Number, addr.District, addr.City, addr.State, addr.PostalCode,
	).Scan(&addr.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert address: %w", err)
	}
	return nil
}

// CountLinksByCase returns the number of case-party links for a case.
func (s *EntityStore) CountLinksByCase(ctx context.Context, caseID int64) (int, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processo_partes WHERE case_id = $1`, caseID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count case links: %w", err)
	}
	return count, nil
}
