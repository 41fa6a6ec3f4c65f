package search

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"doseref/api/internal/store"
)

// StoreScan is the fallback Searcher used when Meilisearch is down. It
// walks the document store and does case-insensitive substring matching,
// which is slow but always available.
type StoreScan struct {
	repo *store.Repository
}

// NewStoreScan creates the fallback searcher.
func NewStoreScan(repo *store.Repository) *StoreScan {
	return &StoreScan{repo: repo}
}

// Healthy always reports true; the store is the system of record.
func (s *StoreScan) Healthy() bool {
	return true
}

// Search scans ingredients and references for the query text.
func (s *StoreScan) Search(q Query) ([]Result, int, error) {
	ctx := context.Background()
	needle := strings.ToLower(strings.TrimSpace(q.Text))

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var results []Result
	if q.FilterType == "" || q.FilterType == ResultIngredient {
		ingredients, err := s.repo.ListIngredients(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("scan ingredients: %w", err)
		}
		for _, ing := range ingredients {
			if q.SharedOnly && !ing.IsSharedMaster {
				continue
			}
			if needle != "" && !strings.Contains(strings.ToLower(ing.Name), needle) {
				continue
			}
			results = append(results, Result{
				Type:          ResultIngredient,
				ID:            ing.ID,
				Title:         ing.Name,
				IngredientID:  ing.ID,
				IsShared:      ing.IsSharedMaster,
				SharedGroupID: ing.SharedGroupID,
			})
		}
	}

	if q.FilterType == "" || q.FilterType == ResultReference {
		refs, err := s.repo.ListAllReferences(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("scan references: %w", err)
		}
		for _, ref := range refs {
			if q.FilterHealthSystem != "" && ref.HealthSystem != q.FilterHealthSystem {
				continue
			}
			if q.SharedOnly && !ref.IsShared {
				continue
			}
			body := ReferenceBody(ref)
			haystack := strings.ToLower(body + " " + ref.HealthSystem + " " + ref.Domain + " " + ref.Subdomain)
			if needle != "" && !strings.Contains(haystack, needle) {
				continue
			}
			results = append(results, Result{
				Type:          ResultReference,
				ID:            store.ReferenceDocID(ref.IngredientID, ref.ConfigID),
				Title:         strings.TrimSpace(ref.HealthSystem + " · " + ref.Domain),
				Snippet:       snippet(body),
				IngredientID:  ref.IngredientID,
				HealthSystem:  ref.HealthSystem,
				IsShared:      ref.IsShared,
				SharedGroupID: ref.SharedGroupID,
			})
		}
	}

	total := len(results)
	if offset >= total {
		return []Result{}, total, nil
	}
	results = results[offset:]
	if len(results) > limit {
		results = results[:limit]
	}
	return results, total, nil
}

// ReferenceBody flattens a reference's sections (or legacy notes) into the
// text we index and snippet.
func ReferenceBody(ref store.Reference) string {
	if len(ref.Sections) > 0 {
		parts := make([]string, 0, len(ref.Sections))
		for _, section := range ref.Sections {
			parts = append(parts, section.Content)
		}
		return strings.Join(parts, "\n")
	}
	return strings.Join(ref.LegacyNotes, "\n")
}

// ToReferenceRecord builds the indexable record for a reference.
func ToReferenceRecord(ref store.Reference) ReferenceRecord {
	return ReferenceRecord{
		ID:            store.ReferenceDocID(ref.IngredientID, ref.ConfigID),
		IngredientID:  ref.IngredientID,
		ConfigID:      ref.ConfigID,
		HealthSystem:  ref.HealthSystem,
		Domain:        ref.Domain,
		Subdomain:     ref.Subdomain,
		Version:       ref.Version,
		Body:          ReferenceBody(ref),
		ContentHash:   ref.ContentHash,
		IsShared:      ref.IsShared,
		SharedGroupID: ref.SharedGroupID,
	}
}

func snippet(body string) string {
	trimmed := strings.TrimSpace(body)
	if len(trimmed) <= 160 {
		return trimmed
	}
	// Cut on a rune boundary so multi-byte text stays valid UTF-8.
	cut := 160
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}
	return strings.TrimSpace(trimmed[:cut]) + "…"
}
