package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/andresmejia3/facegate/internal/gallery"
	"github.com/andresmejia3/facegate/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// ErrNotFound is returned when no gallery has been saved for a reference directory.
var ErrNotFound = errors.New("not found")

// Store manages the PostgreSQL pool: saved galleries and verification events.
type Store struct {
	pool *pgxpool.Pool
}

// New runs the schema migration, then opens a pool with pgvector types registered.
func New(ctx context.Context, connString string) (*Store, error) {
	// The vector type has to exist before the pool can register it
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	conn.Close(ctx)

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// initSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS gallery_snapshots (
			id BIGSERIAL PRIMARY KEY,
			root TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			dim INT NOT NULL,
			identities INT NOT NULL,
			embeddings INT NOT NULL,
			built_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS gallery_embeddings (
			id BIGSERIAL PRIMARY KEY,
			snapshot_id BIGINT NOT NULL REFERENCES gallery_snapshots(id) ON DELETE CASCADE,
			identity TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			embedding VECTOR NOT NULL
		);
		CREATE TABLE IF NOT EXISTS verification_events (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL,
			device_index INT NOT NULL,
			identity TEXT NOT NULL,
			distance DOUBLE PRECISION NOT NULL,
			verdict TEXT NOT NULL,
			box_x INT NOT NULL,
			box_y INT NOT NULL,
			box_w INT NOT NULL,
			box_h INT NOT NULL,
			snapshot_path TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS gallery_snapshots_root_idx ON gallery_snapshots (root);
		CREATE INDEX IF NOT EXISTS gallery_embeddings_snapshot_idx ON gallery_embeddings (snapshot_id, identity);
		CREATE INDEX IF NOT EXISTS verification_events_created_idx ON verification_events (created_at DESC);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// GalleryInfo describes a saved gallery.
type GalleryInfo struct {
	ID          int64
	Root        string
	Fingerprint string
	Dim         int
	Identities  int
	Embeddings  int
	BuiltAt     time.Time
}

// SaveGallery stores every reference embedding of g under root, replacing any
// gallery previously saved for the same root.
func (s *Store) SaveGallery(ctx context.Context, root, fingerprint string, g *gallery.Gallery) (int64, error) {
	if g.Len() == 0 {
		return 0, gallery.ErrGalleryEmpty
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO gallery_snapshots (root, fingerprint, dim, identities, embeddings, built_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, root, fingerprint, g.Dim(), g.Len(), g.Size(), g.BuiltAt()).Scan(&id)
	if err != nil {
		return 0, err
	}

	batch := &pgx.Batch{}
	for _, e := range g.Entries() {
		for i, emb := range e.Embeddings {
			src := ""
			if i < len(e.Sources) {
				src = e.Sources[i]
			}
			batch.Queue(`INSERT INTO gallery_embeddings (snapshot_id, identity, source, embedding) VALUES ($1, $2, $3, $4)`,
				id, e.Identity, src, pgvector.NewVector(emb))
		}
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return 0, fmt.Errorf("inserting embeddings: %w", err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM gallery_snapshots WHERE root = $1 AND id <> $2", root, id); err != nil {
		return 0, err
	}
	return id, tx.Commit(ctx)
}

// GalleryInfo returns the latest saved gallery for root.
func (s *Store) GalleryInfo(ctx context.Context, root string) (GalleryInfo, error) {
	info := GalleryInfo{Root: root}
	err := s.pool.QueryRow(ctx, `
		SELECT id, fingerprint, dim, identities, embeddings, built_at
		FROM gallery_snapshots WHERE root = $1
		ORDER BY id DESC LIMIT 1
	`, root).Scan(&info.ID, &info.Fingerprint, &info.Dim, &info.Identities, &info.Embeddings, &info.BuiltAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return info, fmt.Errorf("gallery for %s: %w", root, ErrNotFound)
	}
	return info, err
}

// LoadGallery rebuilds the latest saved gallery for root.
func (s *Store) LoadGallery(ctx context.Context, root string) (*gallery.Gallery, GalleryInfo, error) {
	info, err := s.GalleryInfo(ctx, root)
	if err != nil {
		return nil, info, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT identity, source, embedding
		FROM gallery_embeddings WHERE snapshot_id = $1
		ORDER BY identity, id
	`, info.ID)
	if err != nil {
		return nil, info, err
	}
	defer rows.Close()

	var entries []gallery.Entry
	for rows.Next() {
		var (
			id, src string
			vec     pgvector.Vector
		)
		if err := rows.Scan(&id, &src, &vec); err != nil {
			return nil, info, err
		}
		if n := len(entries); n == 0 || entries[n-1].Identity != id {
			entries = append(entries, gallery.Entry{Identity: id})
		}
		last := &entries[len(entries)-1]
		last.Embeddings = append(last.Embeddings, types.Embedding(vec.Slice()))
		last.Sources = append(last.Sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, info, err
	}

	g, err := gallery.New(entries)
	return g, info, err
}

// IdentitySummary is one identity of a saved gallery.
type IdentitySummary struct {
	Identity   string
	Embeddings int
}

// ListIdentities lists the identities of the latest gallery saved for root.
func (s *Store) ListIdentities(ctx context.Context, root string) ([]IdentitySummary, error) {
	info, err := s.GalleryInfo(ctx, root)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT identity, COUNT(*)
		FROM gallery_embeddings WHERE snapshot_id = $1
		GROUP BY identity ORDER BY identity
	`, info.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IdentitySummary
	for rows.Next() {
		var is IdentitySummary
		if err := rows.Scan(&is.Identity, &is.Embeddings); err != nil {
			return nil, err
		}
		out = append(out, is)
	}
	return out, rows.Err()
}

// RecordEvent saves one verification outcome. It satisfies capture.Recorder.
func (s *Store) RecordEvent(ctx context.Context, ev types.Event) error {
	sessionID, err := uuid.Parse(ev.SessionID)
	if err != nil {
		return fmt.Errorf("invalid session id %q: %w", ev.SessionID, err)
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO verification_events
			(session_id, device_index, identity, distance, verdict, box_x, box_y, box_w, box_h, snapshot_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, sessionID, ev.DeviceIndex, ev.Identity, ev.Distance, string(ev.Verdict),
		ev.Box.X, ev.Box.Y, ev.Box.Width, ev.Box.Height, ev.SnapshotPath, at)
	return err
}

// EventFilter narrows ListEvents. Zero values match everything.
type EventFilter struct {
	Identity  string
	SessionID string
	Verdict   types.Verdict
	Since     time.Time
	Limit     int
}

// ListEvents returns the most recent events first.
func (s *Store) ListEvents(ctx context.Context, f EventFilter) ([]types.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id::text, device_index, identity, distance, verdict,
		       box_x, box_y, box_w, box_h, snapshot_path, created_at
		FROM verification_events
		WHERE ($1 = '' OR identity = $1)
		  AND ($2 = '' OR session_id::text = $2)
		  AND ($3 = '' OR verdict = $3)
		  AND created_at >= $4
		ORDER BY created_at DESC, id DESC
		LIMIT $5
	`, f.Identity, f.SessionID, string(f.Verdict), f.Since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Event
	for rows.Next() {
		var (
			ev      types.Event
			verdict string
		)
		err := rows.Scan(&ev.ID, &ev.SessionID, &ev.DeviceIndex, &ev.Identity, &ev.Distance, &verdict,
			&ev.Box.X, &ev.Box.Y, &ev.Box.Width, &ev.Box.Height, &ev.SnapshotPath, &ev.At)
		if err != nil {
			return nil, err
		}
		ev.Verdict = types.Verdict(verdict)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS gallery_embeddings CASCADE;
		DROP TABLE IF EXISTS gallery_snapshots CASCADE;
		DROP TABLE IF EXISTS verification_events CASCADE;
	`)
	return err
}
