package sharing

import (
	"context"
	"errors"

	"doseref/api/internal/docstore"
	"doseref/api/internal/store"
)

// MakeIndependent detaches one reference from its group without touching
// the remaining members, then stamps the reference with the detachment
// time and acting user. The content stays byte-identical to the group at
// the moment of detachment and is free to diverge afterwards. Already
// independent references are a successful no-op.
func (s *Service) MakeIndependent(ctx context.Context, actor Actor, ingredientID, configID string) error {
	if actor.Name == "" {
		return ErrNoActingUser
	}

	ref, err := s.repo.GetReference(ctx, ingredientID, configID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if !ref.IsShared && ref.SharedGroupID == "" {
		return nil
	}
	if ref.SharedGroupID == "" {
		// Inconsistent pointer: flagged shared without a group. Repair.
		repair := batchOf(store.CollectionReferences, store.ReferenceDocID(ingredientID, configID), docstore.Fields{
			store.FieldIsShared:  false,
			store.FieldUpdatedBy: actor.Name,
			store.FieldUpdatedAt: docstore.ServerTimestamp,
		})
		return s.repo.RunBatch(ctx, repair)
	}

	key := store.RefKey{IngredientID: ingredientID, ConfigID: configID}
	if err := s.RemoveFromSharedGroup(ctx, actor, ref.SharedGroupID, key); err != nil {
		return err
	}

	stamp := batchOf(store.CollectionReferences, store.ReferenceDocID(ingredientID, configID), docstore.Fields{
		store.FieldIndependentAt: docstore.ServerTimestamp,
		store.FieldIndependentBy: actor.Name,
	})
	return s.repo.RunBatch(ctx, stamp)
}
