package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Open connects to Postgres with the pool settings used across the API.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// PostgresStore keeps every document in a single JSONB table. A batch maps
// to one SQL transaction; rows touched by operator updates are locked with
// FOR UPDATE so concurrent batches against the same document serialize and
// array add/remove stay commutative.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Get(ctx context.Context, collection, id string) (Fields, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT body FROM documents WHERE collection=$1 AND id=$2
	`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	var fields Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return fields, nil
}

func (s *PostgresStore) Set(ctx context.Context, collection, id string, fields Fields) error {
	batch := &Batch{}
	batch.Set(collection, id, fields)
	return s.RunBatch(ctx, batch)
}

func (s *PostgresStore) Update(ctx context.Context, collection, id string, fields Fields) error {
	batch := &Batch{}
	batch.Update(collection, id, fields)
	return s.RunBatch(ctx, batch)
}

func (s *PostgresStore) Delete(ctx context.Context, collection, id string) error {
	batch := &Batch{}
	batch.Delete(collection, id)
	return s.RunBatch(ctx, batch)
}

func (s *PostgresStore) QueryEq(ctx context.Context, collection, field, value string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body
		FROM documents
		WHERE collection=$1 AND body->>$2 = $3
		ORDER BY id ASC
	`, collection, field, value)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	items := make([]Snapshot, 0)
	for rows.Next() {
		var item Snapshot
		var raw []byte
		if err := rows.Scan(&item.ID, &raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal(raw, &item.Fields); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) List(ctx context.Context, collection string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, body FROM documents WHERE collection=$1 ORDER BY id ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Snapshot, 0)
	for rows.Next() {
		var item Snapshot
		var raw []byte
		if err := rows.Scan(&item.ID, &raw); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if err := json.Unmarshal(raw, &item.Fields); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) RunBatch(ctx context.Context, batch *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, op := range batch.ops {
		switch op.kind {
		case opSet:
			doc, err := applySet(op.fields, now)
			if err != nil {
				return err
			}
			if err := upsert(ctx, tx, op.collection, op.id, doc); err != nil {
				return err
			}
		case opUpdate:
			doc, err := lockDocument(ctx, tx, op.collection, op.id)
			if err != nil {
				return err
			}
			doc, err = applyUpdate(doc, op.fields, now)
			if err != nil {
				return err
			}
			if err := upsert(ctx, tx, op.collection, op.id, doc); err != nil {
				return err
			}
		case opDelete:
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM documents WHERE collection=$1 AND id=$2
			`, op.collection, op.id); err != nil {
				return fmt.Errorf("delete document: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func lockDocument(ctx context.Context, tx *sql.Tx, collection, id string) (Fields, error) {
	var raw []byte
	err := tx.QueryRowContext(ctx, `
		SELECT body FROM documents WHERE collection=$1 AND id=$2 FOR UPDATE
	`, collection, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock document: %w", err)
	}
	var fields Fields
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	return fields, nil
}

func upsert(ctx context.Context, tx *sql.Tx, collection, id string, fields Fields) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode document: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO documents (collection, id, body)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (collection, id) DO UPDATE SET body=EXCLUDED.body, updated_at=NOW()
	`, collection, id, string(raw)); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}
