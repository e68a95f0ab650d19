package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists build history in SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// CreateBuild inserts a new build record in the running state.
func (s *SQLiteStore) CreateBuild(ctx context.Context, b *Build) error {
	query := `
		INSERT INTO builds (id, target, flavor, version, manifest_digest, status, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, query,
		b.ID, b.Target, b.Flavor, b.Version, b.ManifestDigest, b.Status, b.StartedAt, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create build: %w", err)
	}
	return nil
}

// FinishBuild records the terminal status of a build.
func (s *SQLiteStore) FinishBuild(ctx context.Context, id string, status BuildStatus, buildErr error) error {
	var errText *string
	if buildErr != nil {
		msg := buildErr.Error()
		errText = &msg
	}
	now := time.Now().UTC()
	query := `
		UPDATE builds SET status = ?, completed_at = ?, error = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, status, now, errText, now, id)
	if err != nil {
		return fmt.Errorf("failed to finish build: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish build: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("build %s not found", id)
	}
	return nil
}

// GetBuild fetches a build by ID.
func (s *SQLiteStore) GetBuild(ctx context.Context, id string) (*Build, error) {
	query := `
		SELECT id, target, flavor, version, manifest_digest, status, started_at, completed_at, error, created_at, updated_at
		FROM builds WHERE id = ?
	`
	b := &Build{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&b.ID, &b.Target, &b.Flavor, &b.Version, &b.ManifestDigest, &b.Status,
		&b.StartedAt, &b.CompletedAt, &b.Error, &b.CreatedAt, &b.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("build %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get build: %w", err)
	}
	return b, nil
}

// ListBuilds returns the most recent builds, newest first. A non-empty
// targetFilter restricts the listing to one target.
func (s *SQLiteStore) ListBuilds(ctx context.Context, targetFilter string, limit int) ([]*Build, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, target, flavor, version, manifest_digest, status, started_at, completed_at, error, created_at, updated_at
		FROM builds
	`
	args := []any{}
	if targetFilter != "" {
		query += " WHERE target = ?"
		args = append(args, targetFilter)
	}
	query += " ORDER BY started_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list builds: %w", err)
	}
	defer rows.Close()

	var builds []*Build
	for rows.Next() {
		b := &Build{}
		if err := rows.Scan(
			&b.ID, &b.Target, &b.Flavor, &b.Version, &b.ManifestDigest, &b.Status,
			&b.StartedAt, &b.CompletedAt, &b.Error, &b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan build: %w", err)
		}
		builds = append(builds, b)
	}
	return builds, rows.Err()
}

// UpsertSnapshot records the currently published snapshot of a target.
func (s *SQLiteStore) UpsertSnapshot(ctx context.Context, snap *Snapshot) error {
	query := `
		INSERT INTO snapshots (target, version, subvolume_rel_path, build_id, published_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(target) DO UPDATE SET
			version = excluded.version,
			subvolume_rel_path = excluded.subvolume_rel_path,
			build_id = excluded.build_id,
			published_at = excluded.published_at
	`
	_, err := s.db.ExecContext(ctx, query,
		snap.Target, snap.Version, snap.SubvolRelPath, snap.BuildID, snap.PublishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot fetches the published snapshot of a target.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, targetName string) (*Snapshot, error) {
	query := `
		SELECT target, version, subvolume_rel_path, build_id, published_at
		FROM snapshots WHERE target = ?
	`
	snap := &Snapshot{}
	err := s.db.QueryRowContext(ctx, query, targetName).Scan(
		&snap.Target, &snap.Version, &snap.SubvolRelPath, &snap.BuildID, &snap.PublishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("no published snapshot for %s", targetName)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return snap, nil
}
