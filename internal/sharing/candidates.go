package sharing

import (
	"context"
	"fmt"
	"sort"

	"doseref/api/internal/store"
)

// Candidate is another ingredient whose stored content hash matches the
// target's, offered as a link suggestion together with its current sharing
// status.
type Candidate struct {
	IngredientID  string            `json:"ingredientId"`
	ContentHash   string            `json:"contentHash"`
	References    []store.Reference `json:"references"`
	IsShared      bool              `json:"isShared"`
	SharedGroupID string            `json:"sharedGroupId,omitempty"`
}

// FindCandidates surfaces merge opportunities for an ingredient: every
// other ingredient holding a reference whose stored hash matches one of
// the target's recomputed hashes. The target itself is excluded. An
// unhashable target or an empty index yields an empty list, not an error.
func (s *Service) FindCandidates(ctx context.Context, ingredientID string) ([]Candidate, error) {
	targetRefs, err := s.repo.ListReferences(ctx, ingredientID)
	if err != nil {
		return nil, fmt.Errorf("load target references: %w", err)
	}

	hashes := make([]string, 0, len(targetRefs))
	seen := make(map[string]bool, len(targetRefs))
	for _, ref := range targetRefs {
		hash := HashReference(ref)
		if hash == "" || seen[hash] {
			continue
		}
		seen[hash] = true
		hashes = append(hashes, hash)
	}
	if len(hashes) == 0 {
		return []Candidate{}, nil
	}

	byIngredient := make(map[string]*Candidate)
	for _, hash := range hashes {
		matches, err := s.repo.FindReferencesByHash(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("query hash index: %w", err)
		}
		for _, match := range matches {
			if match.IngredientID == ingredientID {
				continue
			}
			candidate, ok := byIngredient[match.IngredientID]
			if !ok {
				candidate = &Candidate{IngredientID: match.IngredientID, ContentHash: hash}
				byIngredient[match.IngredientID] = candidate
			}
			candidate.References = append(candidate.References, match)
			if match.IsShared {
				candidate.IsShared = true
				if candidate.SharedGroupID == "" {
					candidate.SharedGroupID = match.SharedGroupID
				}
			}
		}
	}

	items := make([]Candidate, 0, len(byIngredient))
	for _, candidate := range byIngredient {
		items = append(items, *candidate)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].IngredientID < items[j].IngredientID })
	return items, nil
}
