package docstore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same batch and operator
// semantics as the Postgres implementation. Used by tests and local runs.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]map[string]Fields
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]map[string]Fields)}
}

func (s *MemoryStore) Get(ctx context.Context, collection, id string) (Fields, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.data[collection][id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyFields(doc), nil
}

func (s *MemoryStore) Set(ctx context.Context, collection, id string, fields Fields) error {
	batch := &Batch{}
	batch.Set(collection, id, fields)
	return s.RunBatch(ctx, batch)
}

func (s *MemoryStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	batch := &Batch{}
	batch.Update(collection, id, fields)
	return s.RunBatch(ctx, batch)
}

func (s *MemoryStore) Delete(ctx context.Context, collection, id string) error {
	batch := &Batch{}
	batch.Delete(collection, id)
	return s.RunBatch(ctx, batch)
}

func (s *MemoryStore) QueryEq(ctx context.Context, collection, field, value string) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Snapshot, 0)
	for id, doc := range s.data[collection] {
		stored, ok := doc[field].(string)
		if !ok || stored != value {
			continue
		}
		items = append(items, Snapshot{ID: id, Fields: copyFields(doc)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (s *MemoryStore) List(ctx context.Context, collection string) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Snapshot, 0, len(s.data[collection]))
	for id, doc := range s.data[collection] {
		items = append(items, Snapshot{ID: id, Fields: copyFields(doc)})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// RunBatch applies all operations under one lock. Operations are staged
// against copies first, so a failing operation leaves the store untouched.
func (s *MemoryStore) RunBatch(ctx context.Context, batch *Batch) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	type staged struct {
		collection string
		id         string
		fields     Fields // nil means delete
	}
	results := make([]staged, 0, len(batch.ops))

	// Later operations in the same batch observe earlier ones.
	pending := make(map[string]Fields)
	pendingDel := make(map[string]bool)
	key := func(collection, id string) string { return collection + "\x00" + id }

	current := func(collection, id string) (Fields, bool) {
		k := key(collection, id)
		if pendingDel[k] {
			return nil, false
		}
		if doc, ok := pending[k]; ok {
			return doc, true
		}
		doc, ok := s.data[collection][id]
		if !ok {
			return nil, false
		}
		return copyFields(doc), true
	}

	for _, op := range batch.ops {
		switch op.kind {
		case opSet:
			doc, err := applySet(op.fields, now)
			if err != nil {
				return err
			}
			pending[key(op.collection, op.id)] = doc
			delete(pendingDel, key(op.collection, op.id))
			results = append(results, staged{op.collection, op.id, doc})
		case opUpdate:
			doc, ok := current(op.collection, op.id)
			if !ok {
				return ErrNotFound
			}
			doc, err := applyUpdate(doc, op.fields, now)
			if err != nil {
				return err
			}
			pending[key(op.collection, op.id)] = doc
			results = append(results, staged{op.collection, op.id, doc})
		case opDelete:
			pendingDel[key(op.collection, op.id)] = true
			delete(pending, key(op.collection, op.id))
			results = append(results, staged{op.collection, op.id, nil})
		}
	}

	for _, r := range results {
		if r.fields == nil {
			delete(s.data[r.collection], r.id)
			continue
		}
		if s.data[r.collection] == nil {
			s.data[r.collection] = make(map[string]Fields)
		}
		s.data[r.collection][r.id] = r.fields
	}
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func copyFields(doc Fields) Fields {
	copied, err := normalize(doc)
	if err != nil {
		return Fields{}
	}
	out, _ := copied.(map[string]any)
	return out
}
