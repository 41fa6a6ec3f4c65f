package sharing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"doseref/api/internal/docstore"
	"doseref/api/internal/store"
)

// Actor is the acting user stamped into audit fields on every mutation.
type Actor struct {
	ID   string
	Name string
}

// GroupArchiver receives the final state of a group when it dissolves.
// Archiving is best-effort and must never block or fail the dissolve.
type GroupArchiver interface {
	ArchiveDissolvedGroup(ctx context.Context, group store.SharedGroup) error
}

// Service is the linking service: every mutating operation verifies its
// preconditions against current store state, then applies exactly one
// atomic batch spanning the group document, the touched reference
// documents and the master ingredient's summary fields.
type Service struct {
	repo    *store.Repository
	archive GroupArchiver
}

// NewService creates the linking service. archive may be nil.
func NewService(repo *store.Repository, archive GroupArchiver) *Service {
	return &Service{repo: repo, archive: archive}
}

// GroupInfo is the read-model returned by GetGroupInfo. Shared is false for
// the "not shared" sentinel, in which case the remaining fields are zero.
type GroupInfo struct {
	Shared             bool      `json:"shared"`
	GroupID            string    `json:"groupId,omitempty"`
	MasterIngredientID string    `json:"masterIngredientId,omitempty"`
	ContentHash        string    `json:"contentHash,omitempty"`
	LinkedCount        int       `json:"linkedCount"`
	CreatedAt          time.Time `json:"createdAt,omitempty"`
	UpdatedAt          time.Time `json:"updatedAt,omitempty"`
}

// CreateSharedGroup links the given references under one group derived from
// the first reference's content hash. Every listed reference must exist and
// currently hash to the seed hash; the hashes are recomputed here, never
// trusted from the caller. Creating an identical group twice is a no-op.
func (s *Service) CreateSharedGroup(ctx context.Context, actor Actor, masterIngredientID string, refs []store.RefKey) (store.SharedGroup, error) {
	if actor.Name == "" {
		return store.SharedGroup{}, ErrNoActingUser
	}
	if len(refs) == 0 {
		return store.SharedGroup{}, ErrNoReferences
	}

	if _, err := s.repo.GetIngredient(ctx, masterIngredientID); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return store.SharedGroup{}, fmt.Errorf("ingredient %s: %w", masterIngredientID, ErrNotFound)
		}
		return store.SharedGroup{}, err
	}

	loaded := make([]store.Reference, 0, len(refs))
	for _, key := range refs {
		ref, err := s.repo.GetReference(ctx, key.IngredientID, key.ConfigID)
		if err != nil {
			if errors.Is(err, docstore.ErrNotFound) {
				return store.SharedGroup{}, fmt.Errorf("reference %s/%s: %w", key.IngredientID, key.ConfigID, ErrNotFound)
			}
			return store.SharedGroup{}, err
		}
		loaded = append(loaded, ref)
	}

	hash := HashReference(loaded[0])
	if hash == "" {
		return store.SharedGroup{}, ErrContentUnhashable
	}
	for _, ref := range loaded[1:] {
		if HashReference(ref) != hash {
			return store.SharedGroup{}, fmt.Errorf("reference %s/%s: %w", ref.IngredientID, ref.ConfigID, ErrContentMismatch)
		}
	}

	groupID := GroupIDForHash(hash)
	members := make([]store.LinkedReference, 0, len(loaded))
	for _, ref := range loaded {
		members = append(members, linkedReference(ref))
	}

	existing, err := s.repo.GetGroup(ctx, groupID)
	if err == nil {
		if sameMembers(existing.LinkedReferences, members) {
			return existing, nil
		}
		return store.SharedGroup{}, ErrGroupExists
	}
	if !errors.Is(err, docstore.ErrNotFound) {
		return store.SharedGroup{}, err
	}

	batch := &docstore.Batch{}
	batch.Set(store.CollectionSharedGroups, groupID, docstore.Fields{
		"id":                       groupID,
		store.FieldContentHash:     hash,
		"masterIngredientId":       masterIngredientID,
		store.FieldLinkedReferences: members,
		"createdAt":                docstore.ServerTimestamp,
		"createdBy":                actor.Name,
		store.FieldUpdatedAt:       docstore.ServerTimestamp,
		store.FieldUpdatedBy:       actor.Name,
	})
	for _, ref := range loaded {
		batch.Update(store.CollectionReferences, store.ReferenceDocID(ref.IngredientID, ref.ConfigID), docstore.Fields{
			store.FieldIsShared:      true,
			store.FieldSharedGroupID: groupID,
			store.FieldIndependentAt: nil,
			store.FieldIndependentBy: nil,
			store.FieldUpdatedAt:     docstore.ServerTimestamp,
			store.FieldUpdatedBy:     actor.Name,
		})
	}
	batch.Update(store.CollectionIngredients, masterIngredientID, docstore.Fields{
		store.FieldIsSharedMaster: true,
		store.FieldSharedGroupID:  groupID,
		store.FieldSharedCount:    len(members),
		store.FieldUpdatedAt:      docstore.ServerTimestamp,
		store.FieldUpdatedBy:      actor.Name,
	})

	if err := s.repo.RunBatch(ctx, batch); err != nil {
		return store.SharedGroup{}, fmt.Errorf("create shared group: %w", err)
	}
	return s.repo.GetGroup(ctx, groupID)
}

// AddToSharedGroup joins one reference to an existing group. The
// candidate's current content hash is recomputed and must equal the
// group's hash. Adding an existing member is a no-op.
func (s *Service) AddToSharedGroup(ctx context.Context, actor Actor, groupID string, key store.RefKey) (store.SharedGroup, error) {
	if actor.Name == "" {
		return store.SharedGroup{}, ErrNoActingUser
	}

	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return store.SharedGroup{}, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
		}
		return store.SharedGroup{}, err
	}

	ref, err := s.repo.GetReference(ctx, key.IngredientID, key.ConfigID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return store.SharedGroup{}, fmt.Errorf("reference %s/%s: %w", key.IngredientID, key.ConfigID, ErrNotFound)
		}
		return store.SharedGroup{}, err
	}

	if HashReference(ref) != group.ContentHash {
		return store.SharedGroup{}, ErrContentMismatch
	}

	for _, member := range group.LinkedReferences {
		if member.Key() == key {
			return group, nil
		}
	}

	batch := &docstore.Batch{}
	batch.Update(store.CollectionSharedGroups, groupID, docstore.Fields{
		store.FieldLinkedReferences: docstore.ArrayUnion(linkedReference(ref)),
		store.FieldUpdatedAt:        docstore.ServerTimestamp,
		store.FieldUpdatedBy:        actor.Name,
	})
	batch.Update(store.CollectionReferences, store.ReferenceDocID(key.IngredientID, key.ConfigID), docstore.Fields{
		store.FieldIsShared:      true,
		store.FieldSharedGroupID: groupID,
		store.FieldIndependentAt: nil,
		store.FieldIndependentBy: nil,
		store.FieldUpdatedAt:     docstore.ServerTimestamp,
		store.FieldUpdatedBy:     actor.Name,
	})
	batch.Update(store.CollectionIngredients, group.MasterIngredientID, docstore.Fields{
		store.FieldSharedCount: docstore.Increment(1),
		store.FieldUpdatedAt:   docstore.ServerTimestamp,
		store.FieldUpdatedBy:   actor.Name,
	})

	if err := s.repo.RunBatch(ctx, batch); err != nil {
		return store.SharedGroup{}, fmt.Errorf("add to shared group: %w", err)
	}
	return s.repo.GetGroup(ctx, groupID)
}

// RemoveFromSharedGroup unlinks one reference. Removing the last member
// dissolves the group and clears the master's sharing fields in the same
// batch. The removed reference's pointer fields are always cleared.
func (s *Service) RemoveFromSharedGroup(ctx context.Context, actor Actor, groupID string, key store.RefKey) error {
	if actor.Name == "" {
		return ErrNoActingUser
	}

	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("group %s: %w", groupID, ErrNotFound)
		}
		return err
	}

	var member store.LinkedReference
	isMember := false
	for _, m := range group.LinkedReferences {
		if m.Key() == key {
			member = m
			isMember = true
			break
		}
	}

	refDocID := store.ReferenceDocID(key.IngredientID, key.ConfigID)
	refExists := true
	if _, err := s.repo.GetReference(ctx, key.IngredientID, key.ConfigID); err != nil {
		if !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		refExists = false
	}

	clearRef := docstore.Fields{
		store.FieldIsShared:      false,
		store.FieldSharedGroupID: nil,
		store.FieldUpdatedAt:     docstore.ServerTimestamp,
		store.FieldUpdatedBy:     actor.Name,
	}

	if !isMember {
		// Not linked; just repair the reference's pointer if it still
		// claims this group.
		if refExists {
			if err := s.repo.RunBatch(ctx, batchOf(store.CollectionReferences, refDocID, clearRef)); err != nil {
				return fmt.Errorf("clear reference pointer: %w", err)
			}
		}
		return nil
	}

	batch := &docstore.Batch{}
	if len(group.LinkedReferences) <= 1 {
		// Last member out: dissolve the group and clear the master.
		batch.Delete(store.CollectionSharedGroups, groupID)
		batch.Update(store.CollectionIngredients, group.MasterIngredientID, docstore.Fields{
			store.FieldIsSharedMaster: false,
			store.FieldSharedGroupID:  nil,
			store.FieldSharedCount:    0,
			store.FieldUpdatedAt:      docstore.ServerTimestamp,
			store.FieldUpdatedBy:      actor.Name,
		})
	} else {
		batch.Update(store.CollectionSharedGroups, groupID, docstore.Fields{
			store.FieldLinkedReferences: docstore.ArrayRemove(member),
			store.FieldUpdatedAt:        docstore.ServerTimestamp,
			store.FieldUpdatedBy:        actor.Name,
		})
		batch.Update(store.CollectionIngredients, group.MasterIngredientID, docstore.Fields{
			store.FieldSharedCount: docstore.Increment(-1),
			store.FieldUpdatedAt:   docstore.ServerTimestamp,
			store.FieldUpdatedBy:   actor.Name,
		})
	}
	if refExists {
		batch.Update(store.CollectionReferences, refDocID, clearRef)
	}

	if err := s.repo.RunBatch(ctx, batch); err != nil {
		return fmt.Errorf("remove from shared group: %w", err)
	}

	if len(group.LinkedReferences) <= 1 && s.archive != nil {
		if err := s.archive.ArchiveDissolvedGroup(ctx, group); err != nil {
			log.Printf("sharing: archive dissolved group %s: %v", groupID, err)
		}
	}
	return nil
}

// IsShared reports sharing status. With a configID it answers for that
// reference; without, for the ingredient's master-level summary.
func (s *Service) IsShared(ctx context.Context, ingredientID, configID string) (bool, error) {
	if configID != "" {
		ref, err := s.repo.GetReference(ctx, ingredientID, configID)
		if errors.Is(err, docstore.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return ref.IsShared, nil
	}
	ingredient, err := s.repo.GetIngredient(ctx, ingredientID)
	if errors.Is(err, docstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ingredient.IsSharedMaster, nil
}

// GetGroupInfo summarizes the group an ingredient participates in, looking
// at the master summary first and falling back to any linked reference.
// Returns the "not shared" sentinel (Shared=false) when there is none.
func (s *Service) GetGroupInfo(ctx context.Context, ingredientID string) (GroupInfo, error) {
	groupID := ""
	ingredient, err := s.repo.GetIngredient(ctx, ingredientID)
	switch {
	case err == nil:
		groupID = ingredient.SharedGroupID
	case !errors.Is(err, docstore.ErrNotFound):
		return GroupInfo{}, err
	}

	if groupID == "" {
		refs, err := s.repo.ListReferences(ctx, ingredientID)
		if err != nil {
			return GroupInfo{}, err
		}
		for _, ref := range refs {
			if ref.IsShared && ref.SharedGroupID != "" {
				groupID = ref.SharedGroupID
				break
			}
		}
	}
	if groupID == "" {
		return GroupInfo{Shared: false}, nil
	}

	group, err := s.repo.GetGroup(ctx, groupID)
	if errors.Is(err, docstore.ErrNotFound) {
		return GroupInfo{Shared: false}, nil
	}
	if err != nil {
		return GroupInfo{}, err
	}
	return GroupInfo{
		Shared:             true,
		GroupID:            group.ID,
		MasterIngredientID: group.MasterIngredientID,
		ContentHash:        group.ContentHash,
		LinkedCount:        len(group.LinkedReferences),
		CreatedAt:          group.CreatedAt,
		UpdatedAt:          group.UpdatedAt,
	}, nil
}

// IntegrityReport lists the ways a group's invariants have drifted since
// linking. Linking is point-in-time: editing a shared reference does not
// detach it, so drift is surfaced here instead of being repaired silently.
type IntegrityReport struct {
	GroupID       string         `json:"groupId"`
	ContentHash   string         `json:"contentHash"`
	Drifted       []store.RefKey `json:"drifted"`
	Missing       []store.RefKey `json:"missing"`
	CountMismatch bool           `json:"countMismatch"`
}

// Clean reports whether the group still satisfies every invariant.
func (r IntegrityReport) Clean() bool {
	return len(r.Drifted) == 0 && len(r.Missing) == 0 && !r.CountMismatch
}

// CheckGroupIntegrity re-reads every member and the master summary and
// reports divergence. It never mutates.
func (s *Service) CheckGroupIntegrity(ctx context.Context, groupID string) (IntegrityReport, error) {
	group, err := s.repo.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return IntegrityReport{}, fmt.Errorf("group %s: %w", groupID, ErrNotFound)
		}
		return IntegrityReport{}, err
	}

	report := IntegrityReport{
		GroupID:     group.ID,
		ContentHash: group.ContentHash,
		Drifted:     []store.RefKey{},
		Missing:     []store.RefKey{},
	}
	for _, member := range group.LinkedReferences {
		ref, err := s.repo.GetReference(ctx, member.IngredientID, member.ConfigID)
		if errors.Is(err, docstore.ErrNotFound) {
			report.Missing = append(report.Missing, member.Key())
			continue
		}
		if err != nil {
			return IntegrityReport{}, err
		}
		if HashReference(ref) != group.ContentHash {
			report.Drifted = append(report.Drifted, member.Key())
		}
	}

	master, err := s.repo.GetIngredient(ctx, group.MasterIngredientID)
	if err == nil && master.SharedCount != len(group.LinkedReferences) {
		report.CountMismatch = true
	} else if err != nil && !errors.Is(err, docstore.ErrNotFound) {
		return IntegrityReport{}, err
	}
	return report, nil
}

func linkedReference(ref store.Reference) store.LinkedReference {
	return store.LinkedReference{
		IngredientID: ref.IngredientID,
		ConfigID:     ref.ConfigID,
		HealthSystem: ref.HealthSystem,
		Domain:       ref.Domain,
		Subdomain:    ref.Subdomain,
		Version:      ref.Version,
	}
}

func sameMembers(a, b []store.LinkedReference) bool {
	if len(a) != len(b) {
		return false
	}
	keys := make(map[store.RefKey]bool, len(a))
	for _, m := range a {
		keys[m.Key()] = true
	}
	for _, m := range b {
		if !keys[m.Key()] {
			return false
		}
	}
	return true
}

func batchOf(collection, id string, fields docstore.Fields) *docstore.Batch {
	batch := &docstore.Batch{}
	batch.Update(collection, id, fields)
	return batch
}
