package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to a
// document-store scan.
type Service struct {
	meili *Meili
	scan  *StoreScan
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, scan *StoreScan) *Service {
	return &Service{meili: meili, scan: scan}
}

// Search tries Meilisearch if healthy, otherwise falls back to the store scan.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to store scan: %v", err)
	}

	results, total, err := s.scan.Search(q)
	if err != nil {
		log.Printf("search: store scan error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexIngredient indexes an ingredient (fire-and-forget to Meilisearch).
func (s *Service) IndexIngredient(ing IngredientRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexIngredient(ing); err != nil {
			log.Printf("search: index ingredient %s: %v", ing.ID, err)
		}
	}()
}

// IndexReference indexes a reference (fire-and-forget to Meilisearch).
func (s *Service) IndexReference(ref ReferenceRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexReference(ref); err != nil {
			log.Printf("search: index reference %s: %v", ref.ID, err)
		}
	}()
}

// DeleteIngredient removes an ingredient from the search index (fire-and-forget).
func (s *Service) DeleteIngredient(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteIngredient(id); err != nil {
			log.Printf("search: delete ingredient %s: %v", id, err)
		}
	}()
}

// DeleteReference removes a reference from the search index (fire-and-forget).
func (s *Service) DeleteReference(id string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteReference(id); err != nil {
			log.Printf("search: delete reference %s: %v", id, err)
		}
	}()
}

// ReindexAll reads all entities from the store and pushes them to
// Meilisearch. Called at startup when Meilisearch is healthy.
func (s *Service) ReindexAll(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.scan == nil {
		return
	}

	ingredients, err := s.scan.repo.ListIngredients(ctx)
	if err != nil {
		log.Printf("search: reindex load ingredients: %v", err)
		return
	}
	ingredientRecords := make([]IngredientRecord, 0, len(ingredients))
	for _, ing := range ingredients {
		ingredientRecords = append(ingredientRecords, IngredientRecord{
			ID:            ing.ID,
			Name:          ing.Name,
			IsShared:      ing.IsSharedMaster,
			SharedGroupID: ing.SharedGroupID,
			SharedCount:   ing.SharedCount,
		})
	}
	if err := s.meili.IndexIngredients(ingredientRecords); err != nil {
		log.Printf("search: reindex ingredients: %v", err)
	}

	refs, err := s.scan.repo.ListAllReferences(ctx)
	if err != nil {
		log.Printf("search: reindex load references: %v", err)
		return
	}
	refRecords := make([]ReferenceRecord, 0, len(refs))
	for _, ref := range refs {
		refRecords = append(refRecords, ToReferenceRecord(ref))
	}
	if err := s.meili.IndexReferences(refRecords); err != nil {
		log.Printf("search: reindex references: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
