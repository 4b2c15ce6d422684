package reconcile

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/lexfield/capture-engine/internal/database"
	"github.com/lexfield/capture-engine/internal/fetcher"
)

// EntityTx is the slice of the entity store the engine writes through. All
// writes for one party record happen inside one transaction.
type EntityTx interface {
	FindByName(ctx context.Context, entityType database.EntityType, name string) (*database.Entity, error)
	FindByDocument(ctx context.Context, entityType database.EntityType, document string) (*database.Entity, error)
	CreateEntity(ctx context.Context, e *database.Entity) error
	RefreshEntityName(ctx context.Context, entityType database.EntityType, id int64, name string) error
	UpsertCrossReference(ctx context.Context, ref *database.CrossReference) error
	UpsertCaseEntityLink(ctx context.Context, link *database.CaseEntityLink) error
	UpsertAddress(ctx context.Context, addr *database.Address) error
}

// Store runs entity writes transactionally.
type Store interface {
	WithTx(ctx context.Context, fn func(tx EntityTx) error) error
}

// RepoStore adapts the concrete entity repository to Store.
type RepoStore struct {
	Repo *database.EntityRepository
}

func (s RepoStore) WithTx(ctx context.Context, fn func(tx EntityTx) error) error {
	return s.Repo.WithTx(ctx, func(es *database.EntityStore) error {
		return fn(es)
	})
}

// RecaptureStrategy re-fetches a case's parties live from the source system.
// Operator-invoked escape hatch for cases whose stored payload is missing or
// known bad; never a default path.
type RecaptureStrategy interface {
	FetchParties(ctx context.Context, ref fetcher.CaseRef) ([]RawParty, error)
}

// PartyError is one per-party failure embedded in the run outcome.
type PartyError struct {
	CaseID     int64  `json:"processo_id"`
	CaseNumber string `json:"numero_processo"`
	Party      string `json:"parte"`
	Error      string `json:"erro"`
}

// CaseOutcome aggregates what one case's reconciliation produced.
type CaseOutcome struct {
	Parties         int
	Clients         int
	OpposingParties int
	ThirdParties    int
	Representatives int
	Links           int
	Created         int
	Matched         int
	Errors          []PartyError
}

// Engine consumes raw party records and upserts the normalized entity graph.
type Engine struct {
	store  Store
	logger *logrus.Logger
}

func NewEngine(store Store, logger *logrus.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// ReconcileCase applies every party of one case against the entity graph.
// Each party is processed in its own transaction; one party failing does not
// roll back the parties already applied, it lands in the outcome's error
// list instead.
func (e *Engine) ReconcileCase(
	ctx context.Context,
	scope Scope,
	caseRow *database.Case,
	parties []RawParty,
	rep Representative,
	idx *EntityIndex,
) *CaseOutcome {
	outcome := &CaseOutcome{}

	for _, party := range parties {
		if err := e.reconcileParty(ctx, scope, caseRow, party, rep, idx, outcome, false); err != nil {
			e.logger.WithFields(logrus.Fields{
				"case":  caseRow.CaseNumber,
				"party": party.Name,
			}).WithError(err).Error("Failed to reconcile party")

			outcome.Errors = append(outcome.Errors, PartyError{
				CaseID:     caseRow.ID,
				CaseNumber: caseRow.CaseNumber,
				Party:      party.Name,
				Error:      err.Error(),
			})
		}
	}

	return outcome
}

// RecaptureCase re-fetches the case's parties live and reconciles them,
// skipping the name-match level: the fresh records carry authoritative
// external ids, so resolution goes straight to the cross-reference table.
func (e *Engine) RecaptureCase(
	ctx context.Context,
	scope Scope,
	caseRow *database.Case,
	rep Representative,
	idx *EntityIndex,
	strategy RecaptureStrategy,
) (*CaseOutcome, error) {
	parties, err := strategy.FetchParties(ctx, fetcher.CaseRef{
		ExternalID: caseRow.ExternalID,
		CaseNumber: caseRow.CaseNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("recapture fetch failed: %w", err)
	}

	outcome := &CaseOutcome{}
	for _, party := range parties {
		if err := e.reconcileParty(ctx, scope, caseRow, party, rep, idx, outcome, true); err != nil {
			outcome.Errors = append(outcome.Errors, PartyError{
				CaseID:     caseRow.ID,
				CaseNumber: caseRow.CaseNumber,
				Party:      party.Name,
				Error:      err.Error(),
			})
		}
	}
	return outcome, nil
}

func (e *Engine) reconcileParty(
	ctx context.Context,
	scope Scope,
	caseRow *database.Case,
	party RawParty,
	rep Representative,
	idx *EntityIndex,
	outcome *CaseOutcome,
	skipNameMatch bool,
) error {
	if party.Name == "" {
		return fmt.Errorf("party has no name")
	}

	entityType, err := Classify(party, rep)
	if err != nil {
		return fmt.Errorf("failed to classify party: %w", err)
	}

	var resolution Resolution
	if skipNameMatch {
		resolution = resolveByReference(party, entityType, scope, idx)
	} else {
		resolution = Resolve(party, entityType, scope, idx)
	}

	err = e.store.WithTx(ctx, func(tx EntityTx) error {
		entityID := resolution.EntityID

		switch resolution.Kind {
		case Created:
			entity := &database.Entity{
				Type: entityType,
				Name: party.Name,
			}
			doc := NormalizeDocument(party.Document)
			if ValidDocument(doc) {
				entity.Document = doc
				entity.PersonKind = PersonKindForDocument(doc)
			} else {
				entity.PersonKind = party.PersonKind
			}
			if entity.PersonKind == "" {
				entity.PersonKind = "pf"
			}
			if err := tx.CreateEntity(ctx, entity); err != nil {
				return err
			}
			entityID = entity.ID

		case MatchedByCrossReference:
			if resolution.NameDrifted {
				if err := tx.RefreshEntityName(ctx, entityType, entityID, party.Name); err != nil {
					return err
				}
			}
		}

		if party.ExternalPersonID != 0 {
			ref := &database.CrossReference{
				EntityType:       entityType,
				EntityID:         entityID,
				ExternalSystem:   scope.ExternalSystem,
				TargetCode:       scope.TargetCode,
				InstanceLevel:    scope.InstanceLevel,
				ExternalPersonID: party.ExternalPersonID,
			}
			if err := tx.UpsertCrossReference(ctx, ref); err != nil {
				return err
			}
			// The unique constraint may have kept an earlier mapping; follow it.
			entityID = ref.EntityID
		}

		if party.Address != nil && party.Address.ExternalID != 0 {
			addr := &database.Address{
				EntityType:        entityType,
				EntityID:          entityID,
				ExternalAddressID: party.Address.ExternalID,
				Street:            party.Address.Street,
				Number:            party.Address.Number,
				District:          party.Address.District,
				City:              party.Address.City,
				State:             party.Address.State,
				PostalCode:        party.Address.PostalCode,
			}
			if err := tx.UpsertAddress(ctx, addr); err != nil {
				return err
			}
		}

		link := &database.CaseEntityLink{
			CaseID:     caseRow.ID,
			EntityType: entityType,
			EntityID:   entityID,
			Role:       party.PartyType,
			Pole:       party.Pole.String(),
			Order:      party.Order,
			Principal:  party.Principal,
		}
		if err := tx.UpsertCaseEntityLink(ctx, link); err != nil {
			return err
		}

		reps, err := e.upsertRepresentatives(ctx, tx, scope, party, idx)
		if err != nil {
			return err
		}

		// Keep the run-local index current so the same party in the next
		// case of this batch resolves to the entity just written.
		idx.AddEntity(entityType, entityID, party.Name)
		if party.ExternalPersonID != 0 {
			idx.AddCrossReference(CrossRefKey{
				EntityType:       entityType,
				ExternalSystem:   scope.ExternalSystem,
				TargetCode:       scope.TargetCode,
				InstanceLevel:    scope.InstanceLevel,
				ExternalPersonID: party.ExternalPersonID,
			}, entityID)
		}

		outcome.Parties++
		outcome.Links++
		outcome.Representatives += reps
		if resolution.Kind == Created {
			outcome.Created++
		} else {
			outcome.Matched++
		}
		switch entityType {
		case database.EntityClient:
			outcome.Clients++
		case database.EntityOpposingParty:
			outcome.OpposingParties++
		case database.EntityThirdParty:
			outcome.ThirdParties++
		}
		return nil
	})
	if err != nil {
		return err
	}

	e.logger.WithFields(logrus.Fields{
		"case":       caseRow.CaseNumber,
		"party":      party.Name,
		"type":       entityType,
		"resolution": resolution.Kind.String(),
	}).Debug("Party reconciled")

	return nil
}

// upsertRepresentatives stores the lawyers attached to a party as
// representative entities with their own cross-references. They carry no
// case link of their own.
func (e *Engine) upsertRepresentatives(ctx context.Context, tx EntityTx, scope Scope, party RawParty, idx *EntityIndex) (int, error) {
	count := 0
	for _, r := range party.Representatives {
		if r.Name == "" {
			continue
		}

		id, matched := idx.LookupName(database.EntityRepresentative, r.Name)
		if !matched {
			entity := &database.Entity{
				Type:       database.EntityRepresentative,
				Name:       r.Name,
				PersonKind: "pf",
			}
			doc := NormalizeDocument(r.Document)
			if ValidDocument(doc) {
				entity.Document = doc
				entity.PersonKind = PersonKindForDocument(doc)
			}
			if err := tx.CreateEntity(ctx, entity); err != nil {
				return count, fmt.Errorf("failed to create representative: %w", err)
			}
			id = entity.ID
			idx.AddEntity(database.EntityRepresentative, id, r.Name)
		}

		if r.ExternalPersonID != 0 {
			ref := &database.CrossReference{
				EntityType:       database.EntityRepresentative,
				EntityID:         id,
				ExternalSystem:   scope.ExternalSystem,
				TargetCode:       scope.TargetCode,
				InstanceLevel:    scope.InstanceLevel,
				ExternalPersonID: r.ExternalPersonID,
			}
			if err := tx.UpsertCrossReference(ctx, ref); err != nil {
				return count, fmt.Errorf("failed to upsert representative cross-reference: %w", err)
			}
		}
		count++
	}
	return count, nil
}

// resolveByReference is the recapture path: cross-reference then creation,
// never name matching.
func resolveByReference(party RawParty, entityType database.EntityType, scope Scope, idx *EntityIndex) Resolution {
	if party.ExternalPersonID != 0 {
		key := CrossRefKey{
			EntityType:       entityType,
			ExternalSystem:   scope.ExternalSystem,
			TargetCode:       scope.TargetCode,
			InstanceLevel:    scope.InstanceLevel,
			ExternalPersonID: party.ExternalPersonID,
		}
		if id, ok := idx.LookupCrossReference(key); ok {
			return Resolution{Kind: MatchedByCrossReference, EntityType: entityType, EntityID: id, NameDrifted: true}
		}
	}
	return Resolution{Kind: Created, EntityType: entityType}
}
