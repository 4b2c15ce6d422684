package reconcile

import (
	"github.com/lexfield/capture-engine/internal/database"
	"github.com/lexfield/capture-engine/internal/registry"
)

// ResolutionKind tags how a raw party record was resolved to a local entity.
type ResolutionKind int

const (
	// MatchedByName is a level-1 match: case-insensitive exact name match
	// within the inferred entity type.
	MatchedByName ResolutionKind = iota
	// MatchedByCrossReference is a level-2 match: the external person id was
	// already mapped, regardless of name spelling drift.
	MatchedByCrossReference
	// Created is level 3: no match existed, a new entity is needed.
	Created
)

func (k ResolutionKind) String() string {
	switch k {
	case MatchedByName:
		return "matched_by_name"
	case MatchedByCrossReference:
		return "matched_by_cross_reference"
	case Created:
		return "created"
	}
	return "unknown"
}

// Scope pins a resolution to one external system view.
type Scope struct {
	ExternalSystem string
	TargetCode     registry.TribunalCode
	InstanceLevel  registry.InstanceLevel
}

// Resolution is the outcome of resolving one raw party record against the
// existing entity graph. EntityID is zero when Kind is Created.
type Resolution struct {
	Kind       ResolutionKind
	EntityType database.EntityType
	EntityID   int64
	// NameDrifted is set on a cross-reference match whose stored name no
	// longer equals the captured one; the engine refreshes the display name.
	NameDrifted bool
}

// Resolve applies the three escalating matching levels to one raw party
// record, stopping at the first match. Pure: no I/O, everything it needs is
// in the index.
func Resolve(party RawParty, entityType database.EntityType, scope Scope, idx *EntityIndex) Resolution {
	// Level 1: exact name match within the inferred type.
	if id, ok := idx.LookupName(entityType, party.Name); ok {
		return Resolution{Kind: MatchedByName, EntityType: entityType, EntityID: id}
	}

	// Level 2: cross-reference lookup by external person id.
	if party.ExternalPersonID != 0 {
		key := CrossRefKey{
			EntityType:       entityType,
			ExternalSystem:   scope.ExternalSystem,
			TargetCode:       scope.TargetCode,
			InstanceLevel:    scope.InstanceLevel,
			ExternalPersonID: party.ExternalPersonID,
		}
		if id, ok := idx.LookupCrossReference(key); ok {
			// The name did not match at level 1, so the stored spelling has
			// drifted from the captured one.
			return Resolution{Kind: MatchedByCrossReference, EntityType: entityType, EntityID: id, NameDrifted: true}
		}
	}

	// Level 3: nothing matched, create.
	return Resolution{Kind: Created, EntityType: entityType}
}
