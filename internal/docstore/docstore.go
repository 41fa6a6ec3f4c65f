// Package docstore is the document database contract the rest of the API is
// written against: per-document reads and writes keyed by (collection, id),
// equality queries on top-level fields, and an atomic multi-document batch.
// List-valued and counter fields are mutated through field operators rather
// than whole-field overwrite so that concurrent writers commute.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Fields is the body of one document. Values follow JSON typing: string,
// float64, bool, nil, []any, map[string]any.
type Fields = map[string]any

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Snapshot is a document returned from a query.
type Snapshot struct {
	ID     string
	Fields Fields
}

// Store is the backing document store. RunBatch applies every operation in
// the batch atomically: either all documents change or none do.
type Store interface {
	Get(ctx context.Context, collection, id string) (Fields, error)
	Set(ctx context.Context, collection, id string, fields Fields) error
	Update(ctx context.Context, collection, id string, fields Fields) error
	Delete(ctx context.Context, collection, id string) error
	QueryEq(ctx context.Context, collection, field, value string) ([]Snapshot, error)
	List(ctx context.Context, collection string) ([]Snapshot, error)
	RunBatch(ctx context.Context, batch *Batch) error
	Ping(ctx context.Context) error
	Close() error
}

type opKind int

const (
	opSet opKind = iota
	opUpdate
	opDelete
)

type operation struct {
	kind       opKind
	collection string
	id         string
	fields     Fields
}

// Batch collects writes to be applied atomically by Store.RunBatch.
type Batch struct {
	ops []operation
}

// Set replaces the document body. ServerTimestamp is the only operator
// allowed in a Set; array and counter operators need an existing value to
// resolve against and belong in Update.
func (b *Batch) Set(collection, id string, fields Fields) {
	b.ops = append(b.ops, operation{kind: opSet, collection: collection, id: id, fields: fields})
}

// Update merges fields into an existing document. Field operators are
// resolved against the stored value.
func (b *Batch) Update(collection, id string, fields Fields) {
	b.ops = append(b.ops, operation{kind: opUpdate, collection: collection, id: id, fields: fields})
}

// Delete removes the document. Deleting an absent document is not an error.
func (b *Batch) Delete(collection, id string) {
	b.ops = append(b.ops, operation{kind: opDelete, collection: collection, id: id})
}

// Len reports the number of operations queued in the batch.
func (b *Batch) Len() int {
	return len(b.ops)
}

type arrayUnion struct{ values []any }

type arrayRemove struct{ values []any }

type increment struct{ delta float64 }

type serverTimestamp struct{}

// ArrayUnion appends the given values to a list field, skipping values
// already present. Presence is decided by canonical JSON equality.
func ArrayUnion(values ...any) any { return arrayUnion{values: values} }

// ArrayRemove removes every occurrence of the given values from a list field.
func ArrayRemove(values ...any) any { return arrayRemove{values: values} }

// Increment adds delta to a numeric field, treating an absent field as zero.
func Increment(delta int) any { return increment{delta: float64(delta)} }

// ServerTimestamp resolves to the store's current time at write.
var ServerTimestamp any = serverTimestamp{}

// timestampValue is the stored form of a ServerTimestamp field.
func timestampValue(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// normalize round-trips a value through JSON so that both store
// implementations hold identically-typed field values.
func normalize(value any) (any, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode field value: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode field value: %w", err)
	}
	return out, nil
}

// canonical is the equality key used by ArrayUnion and ArrayRemove.
func canonical(value any) string {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprintf("!%v", value)
	}
	return string(raw)
}

// applySet resolves a Set body. Operators other than ServerTimestamp are
// rejected so a full replace can never depend on prior state.
func applySet(fields Fields, now time.Time) (Fields, error) {
	out := make(Fields, len(fields))
	for key, value := range fields {
		switch value.(type) {
		case arrayUnion, arrayRemove, increment:
			return nil, fmt.Errorf("field %q: operator not allowed in set", key)
		case serverTimestamp:
			out[key] = timestampValue(now)
		default:
			normalized, err := normalize(value)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			out[key] = normalized
		}
	}
	return out, nil
}

// applyUpdate merges fields into existing, resolving operators against the
// stored values. existing is mutated and returned.
func applyUpdate(existing, fields Fields, now time.Time) (Fields, error) {
	for key, value := range fields {
		switch op := value.(type) {
		case serverTimestamp:
			existing[key] = timestampValue(now)
		case increment:
			current, _ := existing[key].(float64)
			existing[key] = current + op.delta
		case arrayUnion:
			list, _ := existing[key].([]any)
			seen := make(map[string]bool, len(list))
			for _, item := range list {
				seen[canonical(item)] = true
			}
			for _, item := range op.values {
				normalized, err := normalize(item)
				if err != nil {
					return nil, fmt.Errorf("field %q: %w", key, err)
				}
				if seen[canonical(normalized)] {
					continue
				}
				list = append(list, normalized)
				seen[canonical(normalized)] = true
			}
			existing[key] = list
		case arrayRemove:
			list, _ := existing[key].([]any)
			drop := make(map[string]bool, len(op.values))
			for _, item := range op.values {
				normalized, err := normalize(item)
				if err != nil {
					return nil, fmt.Errorf("field %q: %w", key, err)
				}
				drop[canonical(normalized)] = true
			}
			kept := make([]any, 0, len(list))
			for _, item := range list {
				if drop[canonical(item)] {
					continue
				}
				kept = append(kept, item)
			}
			existing[key] = kept
		default:
			normalized, err := normalize(value)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			existing[key] = normalized
		}
	}
	return existing, nil
}
