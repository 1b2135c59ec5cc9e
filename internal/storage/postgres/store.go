// Package postgres implements storage.Store on PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/serroba/patchsync/internal/storage"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

const uniqueViolation = "23505"

// Store persists entities in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn and migrates it.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()

		return nil, fmt.Errorf("ping: %w", err)
	}

	if err := migrate(ctx, pool); err != nil {
		pool.Close()

		return nil, err
	}

	return &Store{pool: pool}, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrations, err := fs.Sub(embedMigrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}

	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()

	return nil
}

func (s *Store) CreateEntity(ctx context.Context, e storage.Entity, content map[string]any) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}

	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO entities (id, kind, owner_id, created_at) VALUES ($1, $2, $3, $4)`,
			e.ID, e.Kind, e.OwnerID, e.CreatedAt)

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return storage.ErrEntityExists
		}

		if err != nil {
			return fmt.Errorf("insert entity: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO snapshots (entity_id, revision, content, created_at) VALUES ($1, 0, $2, $3)`,
			e.ID, string(data), e.CreatedAt); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}

		return nil
	})
}

func (s *Store) GetEntity(ctx context.Context, id string) (storage.Entity, error) {
	var e storage.Entity

	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, owner_id, created_at FROM entities WHERE id = $1`, id,
	).Scan(&e.ID, &e.Kind, &e.OwnerID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Entity{}, storage.ErrEntityNotFound
	}

	if err != nil {
		return storage.Entity{}, fmt.Errorf("get entity %s: %w", id, err)
	}

	return e, nil
}

func (s *Store) ListEntities(ctx context.Context) ([]storage.Entity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, kind, owner_id, created_at FROM entities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}

	entities, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Entity, error) {
		var e storage.Entity
		err := row.Scan(&e.ID, &e.Kind, &e.OwnerID, &e.CreatedAt)

		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}

	return entities, nil
}

func (s *Store) DeleteEntity(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM entities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete entity %s: %w", id, err)
	}

	if tag.RowsAffected() == 0 {
		return storage.ErrEntityNotFound
	}

	return nil
}

func (s *Store) SaveSnapshot(ctx context.Context, id string, revision int, content map[string]any) error {
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode content: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := requireEntity(ctx, tx, id); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO snapshots (entity_id, revision, content, created_at) VALUES ($1, $2, $3, now())
			ON CONFLICT (entity_id) DO UPDATE
			SET revision = EXCLUDED.revision, content = EXCLUDED.content, created_at = EXCLUDED.created_at`,
			id, revision, string(data)); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`DELETE FROM records WHERE entity_id = $1 AND revision <= $2`, id, revision); err != nil {
			return fmt.Errorf("prune records: %w", err)
		}

		return nil
	})
}

func (s *Store) LoadSnapshot(ctx context.Context, id string) (storage.Snapshot, error) {
	if err := requireEntity(ctx, s.pool, id); err != nil {
		return storage.Snapshot{}, err
	}

	var (
		snap    = storage.Snapshot{EntityID: id}
		content []byte
	)

	err := s.pool.QueryRow(ctx,
		`SELECT revision, content, created_at FROM snapshots WHERE entity_id = $1`, id,
	).Scan(&snap.Revision, &content, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Snapshot{}, storage.ErrSnapshotNotFound
	}

	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("load snapshot %s: %w", id, err)
	}

	if err := json.Unmarshal(content, &snap.Content); err != nil {
		return storage.Snapshot{}, fmt.Errorf("decode snapshot %s: %w", id, err)
	}

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

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := requireEntity(ctx, tx, id); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO records (entity_id, revision, user_id, changes, created_at) VALUES ($1, $2, $3, $4, $5)`,
			id, rec.Revision, rec.UserID, string(data), rec.CreatedAt); err != nil {
			return fmt.Errorf("append record: %w", err)
		}

		return nil
	})
}

func (s *Store) LoadRecords(ctx context.Context, id string, sinceRevision int) ([]storage.Record, error) {
	if err := requireEntity(ctx, s.pool, id); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT revision, user_id, changes, created_at FROM records
		WHERE entity_id = $1 AND revision > $2
		ORDER BY revision`, id, sinceRevision)
	if err != nil {
		return nil, fmt.Errorf("load records %s: %w", id, err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (storage.Record, error) {
		var (
			rec     storage.Record
			changes []byte
		)

		if err := row.Scan(&rec.Revision, &rec.UserID, &changes, &rec.CreatedAt); err != nil {
			return rec, err
		}

		if err := json.Unmarshal(changes, &rec.Changes); err != nil {
			return rec, fmt.Errorf("decode record %s@%d: %w", id, rec.Revision, err)
		}

		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("load records %s: %w", id, err)
	}

	return records, nil
}

func (s *Store) LatestRevision(ctx context.Context, id string) (int, error) {
	if err := requireEntity(ctx, s.pool, id); err != nil {
		return 0, err
	}

	var revision int

	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(
			(SELECT MAX(revision) FROM records WHERE entity_id = $1),
			(SELECT revision FROM snapshots WHERE entity_id = $1),
			0)`, id).Scan(&revision)
	if err != nil {
		return 0, fmt.Errorf("latest revision %s: %w", id, err)
	}

	return revision, nil
}

// Truncate empties every table. Tests use it to start from a clean slate.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE records, snapshots, entities`)

	return err
}

type queryer interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func requireEntity(ctx context.Context, q queryer, id string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM entities WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("lookup entity %s: %w", id, err)
	}

	if !exists {
		return storage.ErrEntityNotFound
	}

	return nil
}

var _ storage.Store = (*Store)(nil)
