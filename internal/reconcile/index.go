package reconcile

import (
	"context"
	"strings"

	radix "github.com/armon/go-radix"

	"github.com/lexfield/capture-engine/internal/database"
	"github.com/lexfield/capture-engine/internal/registry"
)

// CrossRefKey is the external identity tuple a cross-reference is unique on.
type CrossRefKey struct {
	EntityType       database.EntityType
	ExternalSystem   string
	TargetCode       registry.TribunalCode
	InstanceLevel    registry.InstanceLevel
	ExternalPersonID int64
}

// EntityIndex is the in-memory view of existing entities the pure resolver
// matches against: a radix tree of normalized names per entity type plus the
// cross-reference map. It belongs to one reconciliation run and is not
// shared across concurrent jobs.
type EntityIndex struct {
	names     map[database.EntityType]*radix.Tree
	crossRefs map[CrossRefKey]int64
}

func NewEntityIndex() *EntityIndex {
	return &EntityIndex{
		names: map[database.EntityType]*radix.Tree{
			database.EntityClient:         radix.New(),
			database.EntityOpposingParty:  radix.New(),
			database.EntityThirdParty:     radix.New(),
			database.EntityRepresentative: radix.New(),
		},
		crossRefs: make(map[CrossRefKey]int64),
	}
}

// normalizeName folds case and collapses whitespace so spelling-identical
// names compare equal.
func normalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// AddEntity indexes an entity under its normalized name.
func (idx *EntityIndex) AddEntity(entityType database.EntityType, id int64, name string) {
	tree, ok := idx.names[entityType]
	if !ok {
		tree = radix.New()
		idx.names[entityType] = tree
	}
	tree.Insert(normalizeName(name), id)
}

// LookupName returns the entity of the given type matching the name
// case-insensitively.
func (idx *EntityIndex) LookupName(entityType database.EntityType, name string) (int64, bool) {
	tree, ok := idx.names[entityType]
	if !ok {
		return 0, false
	}
	v, found := tree.Get(normalizeName(name))
	if !found {
		return 0, false
	}
	return v.(int64), true
}

// AddCrossReference indexes an external identity tuple.
func (idx *EntityIndex) AddCrossReference(key CrossRefKey, entityID int64) {
	idx.crossRefs[key] = entityID
}

// LookupCrossReference returns the entity an external identity maps to.
func (idx *EntityIndex) LookupCrossReference(key CrossRefKey) (int64, bool) {
	id, ok := idx.crossRefs[key]
	return id, ok
}

// crossRefLister is the slice of the entity store the index loader needs.
type crossRefLister interface {
	ListEntities(ctx context.Context, entityType database.EntityType) ([]*database.Entity, error)
	ListCrossReferences(ctx context.Context) ([]*database.CrossReference, error)
}

// LoadIndex builds the index from the normalized graph.
func LoadIndex(ctx context.Context, store crossRefLister) (*EntityIndex, error) {
	idx := NewEntityIndex()

	for _, entityType := range []database.EntityType{
		database.EntityClient,
		database.EntityOpposingParty,
		database.EntityThirdParty,
		database.EntityRepresentative,
	} {
		entities, err := store.ListEntities(ctx, entityType)
		if err != nil {
			return nil, err
		}
		for _, e := range entities {
			idx.AddEntity(entityType, e.ID, e.Name)
		}
	}

	refs, err := store.ListCrossReferences(ctx)
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		idx.AddCrossReference(CrossRefKey{
			EntityType:       ref.EntityType,
			ExternalSystem:   ref.ExternalSystem,
			TargetCode:       ref.TargetCode,
			InstanceLevel:    ref.InstanceLevel,
			ExternalPersonID: ref.ExternalPersonID,
		}, ref.EntityID)
	}

	return idx, nil
}
