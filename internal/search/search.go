package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultIngredient ResultType = "ingredient"
	ResultReference  ResultType = "reference"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type          ResultType `json:"type"`
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Snippet       string     `json:"snippet"`
	IngredientID  string     `json:"ingredientId"`
	HealthSystem  string     `json:"healthSystem,omitempty"`
	IsShared      bool       `json:"isShared"`
	SharedGroupID string     `json:"sharedGroupId,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text               string
	FilterType         ResultType // empty = all types
	FilterHealthSystem string
	SharedOnly         bool
	Limit              int
	Offset             int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push entities into a search index.
type Indexer interface {
	IndexIngredient(ing IngredientRecord) error
	IndexReference(ref ReferenceRecord) error
	DeleteIngredient(id string) error
	DeleteReference(id string) error
}

// IngredientRecord is the data we index for an ingredient.
type IngredientRecord struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	IsShared      bool   `json:"isShared"`
	SharedGroupID string `json:"sharedGroupId"`
	SharedCount   int    `json:"sharedCount"`
}

// ReferenceRecord is the data we index for a dosing reference.
type ReferenceRecord struct {
	ID            string `json:"id"`
	IngredientID  string `json:"ingredientId"`
	ConfigID      string `json:"configId"`
	HealthSystem  string `json:"healthSystem"`
	Domain        string `json:"domain"`
	Subdomain     string `json:"subdomain"`
	Version       string `json:"version"`
	Body          string `json:"body"`
	ContentHash   string `json:"contentHash"`
	IsShared      bool   `json:"isShared"`
	SharedGroupID string `json:"sharedGroupId"`
}
