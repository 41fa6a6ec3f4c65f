package search

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxIngredients = "doseref_ingredients"
	idxReferences  = "doseref_references"
)

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures indexes.
// The caller should proceed without it if the instance never comes up;
// the health loop keeps retrying in the background.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	// Initial health check
	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		primaryKey string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxIngredients,
			primaryKey: "id",
			filterable: []string{"isShared", "sharedGroupId"},
			searchable: []string{"name"},
		},
		{
			uid:        idxReferences,
			primaryKey: "id",
			filterable: []string{"ingredientId", "healthSystem", "domain", "isShared", "sharedGroupId", "contentHash"},
			searchable: []string{"body", "healthSystem", "domain", "subdomain"},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: idx.primaryKey,
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterableInterface := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterableInterface[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterableInterface); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		if _, err := index.UpdateSearchableAttributes(&idx.searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries both indexes (or a filtered subset) and merges results.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	var queries []*meili.SearchRequest
	targetIndexes := []struct {
		uid  string
		rtyp ResultType
	}{
		{idxIngredients, ResultIngredient},
		{idxReferences, ResultReference},
	}

	for _, ti := range targetIndexes {
		if q.FilterType != "" && q.FilterType != ti.rtyp {
			continue
		}
		sr := &meili.SearchRequest{
			IndexUID:              ti.uid,
			Limit:                 limit,
			Offset:                int64(q.Offset),
			AttributesToHighlight: []string{"*"},
			HighlightPreTag:       "<mark>",
			HighlightPostTag:      "</mark>",
			ShowRankingScore:      true,
		}

		var filters []string
		if q.FilterHealthSystem != "" && ti.rtyp == ResultReference {
			filters = append(filters, fmt.Sprintf("healthSystem = %q", q.FilterHealthSystem))
		}
		if q.SharedOnly {
			filters = append(filters, "isShared = true")
		}
		if len(filters) > 0 {
			sr.Filter = filters
		}
		queries = append(queries, sr)
	}

	if len(queries) == 0 {
		return nil, 0, nil
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: queries,
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var results []Result
	total := 0
	for _, sr := range resp.Results {
		total += int(sr.EstimatedTotalHits)
		rtyp := indexToResultType(sr.IndexUID)
		for _, hit := range sr.Hits {
			results = append(results, hitToResult(hit, rtyp))
		}
	}

	return results, total, nil
}

func indexToResultType(uid string) ResultType {
	switch uid {
	case idxIngredients:
		return ResultIngredient
	case idxReferences:
		return ResultReference
	default:
		return ""
	}
}

func hitToResult(hit meili.Hit, rtyp ResultType) Result {
	r := Result{Type: rtyp}
	r.ID = decodeString(hit, "id")
	r.IngredientID = decodeString(hit, "ingredientId")
	r.HealthSystem = decodeString(hit, "healthSystem")
	r.SharedGroupID = decodeString(hit, "sharedGroupId")
	r.IsShared = decodeBool(hit, "isShared")

	switch rtyp {
	case ResultIngredient:
		r.Title = firstNonBlank(decodeFormattedString(hit, "name"), decodeString(hit, "name"))
		r.IngredientID = r.ID // ingredient's own ID
	case ResultReference:
		r.Title = strings.TrimSpace(decodeString(hit, "healthSystem") + " · " + decodeString(hit, "domain"))
		r.Snippet = firstNonBlank(decodeFormattedString(hit, "body"), decodeString(hit, "body"))
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeBool(hit meili.Hit, key string) bool {
	raw, ok := hit[key]
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	return false
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexIngredient adds or updates an ingredient in the search index.
func (m *Meili) IndexIngredient(ing IngredientRecord) error {
	_, err := m.client.Index(idxIngredients).AddDocuments([]IngredientRecord{ing}, nil)
	return err
}

// IndexReference adds or updates a reference in the search index.
func (m *Meili) IndexReference(ref ReferenceRecord) error {
	_, err := m.client.Index(idxReferences).AddDocuments([]ReferenceRecord{ref}, nil)
	return err
}

// DeleteIngredient removes an ingredient from the search index.
func (m *Meili) DeleteIngredient(id string) error {
	_, err := m.client.Index(idxIngredients).DeleteDocument(id, nil)
	return err
}

// DeleteReference removes a reference from the search index.
func (m *Meili) DeleteReference(id string) error {
	_, err := m.client.Index(idxReferences).DeleteDocument(id, nil)
	return err
}

// IndexIngredients bulk-indexes ingredients.
func (m *Meili) IndexIngredients(ingredients []IngredientRecord) error {
	if len(ingredients) == 0 {
		return nil
	}
	_, err := m.client.Index(idxIngredients).AddDocuments(ingredients, nil)
	return err
}

// IndexReferences bulk-indexes references.
func (m *Meili) IndexReferences(references []ReferenceRecord) error {
	if len(references) == 0 {
		return nil
	}
	_, err := m.client.Index(idxReferences).AddDocuments(references, nil)
	return err
}
