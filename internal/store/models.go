package store

import "time"

// Section is one ordered block of dosing text within a reference.
type Section struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Reference is one versioned body of dosing-text content for an ingredient,
// scoped by its config dimension. ContentHash is recomputed on every content
// mutation; IsShared/SharedGroupID mirror membership in a shared group.
type Reference struct {
	IngredientID  string     `json:"ingredientId"`
	ConfigID      string     `json:"configId"`
	HealthSystem  string     `json:"healthSystem"`
	Domain        string     `json:"domain"`
	Subdomain     string     `json:"subdomain"`
	Version       string     `json:"version"`
	Sections      []Section  `json:"sections,omitempty"`
	LegacyNotes   []string   `json:"legacyNotes,omitempty"`
	ContentHash   string     `json:"contentHash"`
	IsShared      bool       `json:"isShared"`
	SharedGroupID string     `json:"sharedGroupId,omitempty"`
	IndependentAt *time.Time `json:"independentAt,omitempty"`
	IndependentBy string     `json:"independentBy,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	UpdatedBy     string     `json:"updatedBy"`
}

// RefKey identifies a reference within an ingredient.
type RefKey struct {
	IngredientID string `json:"ingredientId"`
	ConfigID     string `json:"configId"`
}

// LinkedReference is a group member with the descriptor fields denormalized
// so the UI never re-fetches the reference just to label it.
type LinkedReference struct {
	IngredientID string `json:"ingredientId"`
	ConfigID     string `json:"configId"`
	HealthSystem string `json:"healthSystem"`
	Domain       string `json:"domain"`
	Subdomain    string `json:"subdomain"`
	Version      string `json:"version"`
}

// Key returns the member's reference key.
func (l LinkedReference) Key() RefKey {
	return RefKey{IngredientID: l.IngredientID, ConfigID: l.ConfigID}
}

// SharedGroup joins references whose normalized content was byte-identical
// at link time. Its id is derived from the content hash, so at most one
// group can exist per hash.
type SharedGroup struct {
	ID                 string            `json:"id"`
	ContentHash        string            `json:"contentHash"`
	MasterIngredientID string            `json:"masterIngredientId"`
	LinkedReferences   []LinkedReference `json:"linkedReferences"`
	CreatedAt          time.Time         `json:"createdAt"`
	CreatedBy          string            `json:"createdBy"`
	UpdatedAt          time.Time         `json:"updatedAt"`
	UpdatedBy          string            `json:"updatedBy"`
}

// Ingredient is the per-ingredient summary document. SharedCount caches
// len(linkedReferences) of the group it masters.
type Ingredient struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	IsSharedMaster bool      `json:"isSharedMaster"`
	SharedGroupID  string    `json:"sharedGroupId,omitempty"`
	SharedCount    int       `json:"sharedCount"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	UpdatedBy      string    `json:"updatedBy"`
}

// User is the acting identity attached to sessions and audit stamps.
type User struct {
	ID          string
	DisplayName string
}
