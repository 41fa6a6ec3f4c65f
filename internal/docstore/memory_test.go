package docstore

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestSetGetDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "ingredients", "ing_1", Fields{"name": "Calcium", "sharedCount": 0}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	doc, err := store.Get(ctx, "ingredients", "ing_1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc["name"] != "Calcium" {
		t.Errorf("expected name Calcium, got %v", doc["name"])
	}
	// Numbers come back JSON-typed.
	if doc["sharedCount"] != float64(0) {
		t.Errorf("expected sharedCount 0, got %#v", doc["sharedCount"])
	}

	if err := store.Delete(ctx, "ingredients", "ing_1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "ingredients", "ing_1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "refs", "r1", Fields{"tags": []any{"a"}}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	doc, err := store.Get(ctx, "refs", "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	doc["tags"] = []any{"mutated"}

	again, err := store.Get(ctx, "refs", "r1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	tags := again["tags"].([]any)
	if len(tags) != 1 || tags[0] != "a" {
		t.Errorf("stored document was mutated through a snapshot: %v", tags)
	}
}

func TestUpdateMissingDocument(t *testing.T) {
	store := NewMemoryStore()
	err := store.Update(context.Background(), "refs", "missing", Fields{"x": 1})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryEq(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	seed := map[string]Fields{
		"b": {"contentHash": "h1"},
		"a": {"contentHash": "h1"},
		"c": {"contentHash": "h2"},
	}
	for id, fields := range seed {
		if err := store.Set(ctx, "references", id, fields); err != nil {
			t.Fatalf("Set %s failed: %v", id, err)
		}
	}

	items, err := store.QueryEq(ctx, "references", "contentHash", "h1")
	if err != nil {
		t.Fatalf("QueryEq failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(items))
	}
	if items[0].ID != "a" || items[1].ID != "b" {
		t.Errorf("expected deterministic id order [a b], got [%s %s]", items[0].ID, items[1].ID)
	}
}

func TestArrayUnionAndRemove(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	member := func(id string) map[string]any {
		return map[string]any{"ingredientId": id, "configId": "cfg1"}
	}

	if err := store.Set(ctx, "groups", "g1", Fields{"linkedReferences": []any{}}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Update(ctx, "groups", "g1", Fields{"linkedReferences": ArrayUnion(member("A"))}); err != nil {
		t.Fatalf("union A failed: %v", err)
	}
	if err := store.Update(ctx, "groups", "g1", Fields{"linkedReferences": ArrayUnion(member("B"))}); err != nil {
		t.Fatalf("union B failed: %v", err)
	}
	// Re-adding an existing member is a no-op.
	if err := store.Update(ctx, "groups", "g1", Fields{"linkedReferences": ArrayUnion(member("A"))}); err != nil {
		t.Fatalf("union A again failed: %v", err)
	}

	doc, err := store.Get(ctx, "groups", "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := len(doc["linkedReferences"].([]any)); got != 2 {
		t.Fatalf("expected 2 members after unions, got %d", got)
	}

	if err := store.Update(ctx, "groups", "g1", Fields{"linkedReferences": ArrayRemove(member("A"))}); err != nil {
		t.Fatalf("remove A failed: %v", err)
	}
	doc, err = store.Get(ctx, "groups", "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	list := doc["linkedReferences"].([]any)
	if len(list) != 1 {
		t.Fatalf("expected 1 member after remove, got %d", len(list))
	}
	remaining := list[0].(map[string]any)
	if remaining["ingredientId"] != "B" {
		t.Errorf("expected remaining member B, got %v", remaining["ingredientId"])
	}
}

func TestIncrement(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "ingredients", "i1", Fields{"sharedCount": 1}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := store.Update(ctx, "ingredients", "i1", Fields{"sharedCount": Increment(1)}); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if err := store.Update(ctx, "ingredients", "i1", Fields{"sharedCount": Increment(-2)}); err != nil {
		t.Fatalf("decrement failed: %v", err)
	}
	doc, err := store.Get(ctx, "ingredients", "i1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc["sharedCount"] != float64(0) {
		t.Errorf("expected sharedCount 0, got %v", doc["sharedCount"])
	}
}

func TestServerTimestamp(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "groups", "g1", Fields{"createdAt": ServerTimestamp}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	doc, err := store.Get(ctx, "groups", "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	stamp, ok := doc["createdAt"].(string)
	if !ok || stamp == "" {
		t.Errorf("expected server timestamp string, got %#v", doc["createdAt"])
	}
}

func TestSetRejectsArrayOperators(t *testing.T) {
	store := NewMemoryStore()
	err := store.Set(context.Background(), "groups", "g1", Fields{"members": ArrayUnion("x")})
	if err == nil {
		t.Fatal("expected error for array operator in set")
	}
}

func TestBatchAtomicity(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "ingredients", "i1", Fields{"sharedCount": 0}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	// Second op targets a missing document, so the first must not apply.
	batch := &Batch{}
	batch.Update("ingredients", "i1", Fields{"sharedCount": Increment(1)})
	batch.Update("references", "missing", Fields{"isShared": true})
	if err := store.RunBatch(ctx, batch); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	doc, err := store.Get(ctx, "ingredients", "i1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if doc["sharedCount"] != float64(0) {
		t.Errorf("failed batch leaked a partial write: sharedCount=%v", doc["sharedCount"])
	}
}

func TestBatchLaterOpsSeeEarlierOps(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	batch := &Batch{}
	batch.Set("groups", "g1", Fields{"members": []any{}})
	batch.Update("groups", "g1", Fields{"members": ArrayUnion("a")})
	if err := store.RunBatch(ctx, batch); err != nil {
		t.Fatalf("RunBatch failed: %v", err)
	}

	doc, err := store.Get(ctx, "groups", "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := len(doc["members"].([]any)); got != 1 {
		t.Errorf("expected update to see set from same batch, members=%d", got)
	}
}

func TestConcurrentUnionsCommute(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Set(ctx, "groups", "g1", Fields{"members": []any{}}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			err := store.Update(ctx, "groups", "g1", Fields{
				"members": ArrayUnion(map[string]any{"ingredientId": string(rune('a' + n))}),
			})
			if err != nil {
				t.Errorf("concurrent union failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	doc, err := store.Get(ctx, "groups", "g1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got := len(doc["members"].([]any)); got != 20 {
		t.Errorf("expected 20 members after concurrent unions, got %d", got)
	}
}
