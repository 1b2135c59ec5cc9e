// Package sqlite implements storage.Store on a SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/pressly/goose/v3"
	"github.com/serroba/patchsync/internal/storage"
	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Store persists entities in SQLite.
type Store struct {
	db *sql.DB
}

// New opens the database at path and migrates it to the latest schema.
// Use ":memory:" for a throwaway database.
func New(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping database: %w", err)
	}

	// One writer at a time; it also keeps a ":memory:" database alive on a
	// single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA foreign_keys = ON;",
		"PRAGMA busy_timeout = 5000;",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return &Store{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrations, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateEntity(ctx context.Context, e storage.Entity, content map[string]any) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int

		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE id = ?`, e.ID).Scan(&exists)
		if err != nil {
			return err
		}

		if exists > 0 {
			return storage.ErrEntityExists
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entities (id, kind, owner_id, created_at) VALUES (?, ?, ?, ?)`,
			e.ID, e.Kind, e.OwnerID, e.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert entity: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshots (entity_id, revision, content, created_at) VALUES (?, 0, ?, ?)`,
			e.ID, string(data), e.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}

		return nil
	})
}

func (s *Store) GetEntity(ctx context.Context, id string) (storage.Entity, error) {
	var (
		e       storage.Entity
		created int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT id, kind, owner_id, created_at FROM entities WHERE id = ?`, id,
	).Scan(&e.ID, &e.Kind, &e.OwnerID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Entity{}, storage.ErrEntityNotFound
	}

	if err != nil {
		return storage.Entity{}, fmt.Errorf("get entity %s: %w", id, err)
	}

	e.CreatedAt = time.Unix(0, created)

	return e, nil
}

func (s *Store) ListEntities(ctx context.Context) ([]storage.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, owner_id, created_at FROM entities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var result []storage.Entity

	for rows.Next() {
		var (
			e       storage.Entity
			created int64
		)

		if err := rows.Scan(&e.ID, &e.Kind, &e.OwnerID, &created); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}

		e.CreatedAt = time.Unix(0, created)
		result = append(result, e)
	}

	return result, rows.Err()
}

func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entity %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return storage.ErrEntityNotFound
	}

	return nil
}

func (s *Store) SaveSnapshot(ctx context.Context, id string, revision int, content map[string]any) error {
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireEntity(ctx, tx, id); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (entity_id, revision, content, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (entity_id) DO UPDATE
			SET revision = excluded.revision, content = excluded.content, created_at = excluded.created_at`,
			id, revision, string(data), time.Now().UnixNano()); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE entity_id = ? AND revision <= ?`, id, revision); err != nil {
			return fmt.Errorf("prune records: %w", err)
		}

		return nil
	})
}

func (s *Store) LoadSnapshot(ctx context.Context, id string) (storage.Snapshot, error) {
	if err := requireEntity(ctx, s.db, id); err != nil {
		return storage.Snapshot{}, err
	}

	var (
		snap    = storage.Snapshot{EntityID: id}
		content string
		created int64
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT revision, content, created_at FROM snapshots WHERE entity_id = ?`, id,
	).Scan(&snap.Revision, &content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Snapshot{}, storage.ErrSnapshotNotFound
	}

	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("load snapshot %s: %w", id, err)
	}

	if err := json.Unmarshal([]byte(content), &snap.Content); err != nil {
		return storage.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", id, err)
	}

	snap.CreatedAt = time.Unix(0, created)

	return snap, nil
}

func (s *Store) AppendRecord(ctx context.Context, id string, rec storage.Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	data, err := json.Marshal(rec.Changes)
	if err != nil {
		return fmt.Errorf("encode changes: %w", err)
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := requireEntity(ctx, tx, id); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (entity_id, revision, user_id, changes, created_at) VALUES (?, ?, ?, ?, ?)`,
			id, rec.Revision, rec.UserID, string(data), rec.CreatedAt.UnixNano()); err != nil {
			return fmt.Errorf("append record: %w", err)
		}

		return nil
	})
}

func (s *Store) LoadRecords(ctx context.Context, id string, sinceRevision int) ([]storage.Record, error) {
	if err := requireEntity(ctx, s.db, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT revision, user_id, changes, created_at FROM records
		WHERE entity_id = ? AND revision > ?
		ORDER BY revision`, id, sinceRevision)
	if err != nil {
		return nil, fmt.Errorf("load records %s: %w", id, err)
	}
	defer rows.Close()

	var result []storage.Record

	for rows.Next() {
		var (
			rec     storage.Record
			changes string
			created int64
		)

		if err := rows.Scan(&rec.Revision, &rec.UserID, &changes, &created); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}

		if err := json.Unmarshal([]byte(changes), &rec.Changes); err != nil {
			return nil, fmt.Errorf("decode record %s@%d: %w", id, rec.Revision, err)
		}

		rec.CreatedAt = time.Unix(0, created)
		result = append(result, rec)
	}

	return result, rows.Err()
}

func (s *Store) LatestRevision(ctx context.Context, id string) (int, error) {
	if err := requireEntity(ctx, s.db, id); err != nil {
		return 0, err
	}

	var revision int

	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(
			(SELECT MAX(revision) FROM records WHERE entity_id = ?),
			(SELECT revision FROM snapshots WHERE entity_id = ?),
			0)`, id, id).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("latest revision %s: %w", id, err)
	}

	return revision, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func requireEntity(ctx context.Context, q queryer, id string) error {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities WHERE id = ?`, id).Scan(&n); err != nil {
		return fmt.Errorf("lookup entity %s: %w", id, err)
	}

	if n == 0 {
		return storage.ErrEntityNotFound
	}

	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()

		return err
	}

	return tx.Commit()
}

var _ storage.Store = (*Store)(nil)
