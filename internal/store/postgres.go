package store

import (
	"context"
	"encoding/json"
	"fmt"

	"doseref/api/internal/docstore"
)

// Collections used by the API.
const (
	CollectionIngredients  = "ingredients"
	CollectionReferences   = "references"
	CollectionSharedGroups = "shared_groups"
)

// Field names referenced by operator updates and equality queries. These
// must stay in sync with the json tags in models.go.
const (
	FieldIngredientID     = "ingredientId"
	FieldContentHash      = "contentHash"
	FieldIsShared         = "isShared"
	FieldSharedGroupID    = "sharedGroupId"
	FieldIsSharedMaster   = "isSharedMaster"
	FieldSharedCount      = "sharedCount"
	FieldLinkedReferences = "linkedReferences"
	FieldIndependentAt    = "independentAt"
	FieldIndependentBy    = "independentBy"
	FieldUpdatedAt        = "updatedAt"
	FieldUpdatedBy        = "updatedBy"
)

// ReferenceDocID is the document id of a reference within its collection.
func ReferenceDocID(ingredientID, configID string) string {
	return ingredientID + "::" + configID
}

// Repository gives the rest of the API typed access to the three document
// collections. Mutations that must hold multi-document invariants build a
// docstore.Batch and apply it through RunBatch.
type Repository struct {
	store docstore.Store
}

func NewRepository(store docstore.Store) *Repository {
	return &Repository{store: store}
}

// RunBatch applies a batch atomically through the underlying store.
func (r *Repository) RunBatch(ctx context.Context, batch *docstore.Batch) error {
	return r.store.RunBatch(ctx, batch)
}

func (r *Repository) GetIngredient(ctx context.Context, ingredientID string) (Ingredient, error) {
	fields, err := r.store.Get(ctx, CollectionIngredients, ingredientID)
	if err != nil {
		return Ingredient{}, err
	}
	var item Ingredient
	if err := fromFields(fields, &item); err != nil {
		return Ingredient{}, fmt.Errorf("decode ingredient %s: %w", ingredientID, err)
	}
	item.ID = ingredientID
	return item, nil
}

func (r *Repository) PutIngredient(ctx context.Context, item Ingredient) error {
	fields, err := ToFields(item)
	if err != nil {
		return fmt.Errorf("encode ingredient %s: %w", item.ID, err)
	}
	if err := r.store.Set(ctx, CollectionIngredients, item.ID, fields); err != nil {
		return fmt.Errorf("put ingredient %s: %w", item.ID, err)
	}
	return nil
}

func (r *Repository) ListIngredients(ctx context.Context) ([]Ingredient, error) {
	snapshots, err := r.store.List(ctx, CollectionIngredients)
	if err != nil {
		return nil, fmt.Errorf("list ingredients: %w", err)
	}
	items := make([]Ingredient, 0, len(snapshots))
	for _, snapshot := range snapshots {
		var item Ingredient
		if err := fromFields(snapshot.Fields, &item); err != nil {
			return nil, fmt.Errorf("decode ingredient %s: %w", snapshot.ID, err)
		}
		item.ID = snapshot.ID
		items = append(items, item)
	}
	return items, nil
}

func (r *Repository) GetReference(ctx context.Context, ingredientID, configID string) (Reference, error) {
	fields, err := r.store.Get(ctx, CollectionReferences, ReferenceDocID(ingredientID, configID))
	if err != nil {
		return Reference{}, err
	}
	var item Reference
	if err := fromFields(fields, &item); err != nil {
		return Reference{}, fmt.Errorf("decode reference %s/%s: %w", ingredientID, configID, err)
	}
	return item, nil
}

func (r *Repository) PutReference(ctx context.Context, item Reference) error {
	fields, err := ToFields(item)
	if err != nil {
		return fmt.Errorf("encode reference: %w", err)
	}
	id := ReferenceDocID(item.IngredientID, item.ConfigID)
	if err := r.store.Set(ctx, CollectionReferences, id, fields); err != nil {
		return fmt.Errorf("put reference %s: %w", id, err)
	}
	return nil
}

func (r *Repository) ListReferences(ctx context.Context, ingredientID string) ([]Reference, error) {
	snapshots, err := r.store.QueryEq(ctx, CollectionReferences, FieldIngredientID, ingredientID)
	if err != nil {
		return nil, fmt.Errorf("list references for %s: %w", ingredientID, err)
	}
	return decodeReferences(snapshots)
}

// ListAllReferences returns every reference across all ingredients. Used
// by the fallback search scan and bulk reindexing.
func (r *Repository) ListAllReferences(ctx context.Context) ([]Reference, error) {
	snapshots, err := r.store.List(ctx, CollectionReferences)
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	return decodeReferences(snapshots)
}

// FindReferencesByHash is the content-hash index query behind candidate
// discovery. It returns every reference whose stored hash equals hash,
// across all ingredients.
func (r *Repository) FindReferencesByHash(ctx context.Context, hash string) ([]Reference, error) {
	snapshots, err := r.store.QueryEq(ctx, CollectionReferences, FieldContentHash, hash)
	if err != nil {
		return nil, fmt.Errorf("find references by hash: %w", err)
	}
	return decodeReferences(snapshots)
}

func (r *Repository) DeleteReference(ctx context.Context, ingredientID, configID string) error {
	if err := r.store.Delete(ctx, CollectionReferences, ReferenceDocID(ingredientID, configID)); err != nil {
		return fmt.Errorf("delete reference %s/%s: %w", ingredientID, configID, err)
	}
	return nil
}

// Ping verifies the backing store is reachable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func (r *Repository) GetGroup(ctx context.Context, groupID string) (SharedGroup, error) {
	fields, err := r.store.Get(ctx, CollectionSharedGroups, groupID)
	if err != nil {
		return SharedGroup{}, err
	}
	var item SharedGroup
	if err := fromFields(fields, &item); err != nil {
		return SharedGroup{}, fmt.Errorf("decode shared group %s: %w", groupID, err)
	}
	item.ID = groupID
	return item, nil
}

func decodeReferences(snapshots []docstore.Snapshot) ([]Reference, error) {
	items := make([]Reference, 0, len(snapshots))
	for _, snapshot := range snapshots {
		var item Reference
		if err := fromFields(snapshot.Fields, &item); err != nil {
			return nil, fmt.Errorf("decode reference %s: %w", snapshot.ID, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// ToFields converts a model to a document body via its json tags.
func ToFields(v any) (docstore.Fields, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields docstore.Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func fromFields(fields docstore.Fields, dst any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
