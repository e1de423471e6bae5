// Package migrate manages the Postgres schema from SQL files embedded
// in the binary. Each migration is a <id>.up.sql / <id>.down.sql pair
// under migrations/, applied in ID order inside its own transaction and
// recorded in schema_migrations so re-runs are no-ops.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one schema step loaded from the embedded pair of files.
type Migration struct {
	ID      string
	UpSQL   string
	DownSQL string
}

// Applied records when a migration ran against the database.
type Applied struct {
	ID        string
	AppliedAt time.Time
}

// Migrator applies and rolls back the embedded migrations on one database.
type Migrator struct {
	db         *sql.DB
	migrations []Migration
}

// New loads the embedded migrations and binds them to db.
func New(db *sql.DB) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	migrations, err := loadMigrations()
	if err != nil {
		return nil, err
	}
	return &Migrator{db: db, migrations: migrations}, nil
}

// EnsureSchema creates the schema_migrations bookkeeping table.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// Up applies pending migrations in ID order and returns the IDs it
// applied. If steps <= 0 it applies everything pending.
func (m *Migrator) Up(ctx context.Context, steps int) ([]string, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	done, err := m.appliedSet(ctx)
	if err != nil {
		return nil, err
	}

	var pending []Migration
	for _, mig := range m.migrations {
		if !done[mig.ID] {
			pending = append(pending, mig)
		}
	}
	if steps > 0 && steps < len(pending) {
		pending = pending[:steps]
	}

	applied := []string{}
	for _, mig := range pending {
		if err := m.apply(ctx, mig); err != nil {
			return applied, err
		}
		applied = append(applied, mig.ID)
	}
	return applied, nil
}

// Down rolls back the most recently applied migrations, newest first,
// and returns the IDs it reverted. If steps <= 0 it rolls back one.
func (m *Migrator) Down(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		steps = 1
	}
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	history, err := m.appliedList(ctx)
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, nil
	}
	if steps > len(history) {
		steps = len(history)
	}

	reverted := []string{}
	for i := len(history) - 1; i >= len(history)-steps; i-- {
		mig, ok := m.byID(history[i].ID)
		if !ok {
			return reverted, fmt.Errorf("migration %s applied but not embedded", history[i].ID)
		}
		if err := m.revert(ctx, mig); err != nil {
			return reverted, err
		}
		reverted = append(reverted, mig.ID)
	}
	return reverted, nil
}

// Status returns the applied history and the migrations still pending.
func (m *Migrator) Status(ctx context.Context) ([]Applied, []Migration, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, nil, err
	}
	history, err := m.appliedList(ctx)
	if err != nil {
		return nil, nil, err
	}

	done := make(map[string]bool, len(history))
	for _, entry := range history {
		done[entry.ID] = true
	}
	pending := []Migration{}
	for _, mig := range m.migrations {
		if !done[mig.ID] {
			pending = append(pending, mig)
		}
	}
	return history, pending, nil
}

// apply runs one up migration and its bookkeeping row in a single
// transaction, so a failed statement leaves no half-applied step.
func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", mig.ID, err)
	}
	if _, err := tx.ExecContext(ctx, mig.UpSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration %s: %w", mig.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id) VALUES ($1)`, mig.ID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %s: %w", mig.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", mig.ID, err)
	}
	return nil
}

func (m *Migrator) revert(ctx context.Context, mig Migration) error {
	if strings.TrimSpace(mig.DownSQL) == "" {
		return fmt.Errorf("migration %s has no down file", mig.ID)
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollback %s: %w", mig.ID, err)
	}
	if _, err := tx.ExecContext(ctx, mig.DownSQL); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("rollback migration %s: %w", mig.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE id = $1`, mig.ID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("unrecord migration %s: %w", mig.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollback %s: %w", mig.ID, err)
	}
	return nil
}

func (m *Migrator) appliedSet(ctx context.Context) (map[string]bool, error) {
	history, err := m.appliedList(ctx)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(history))
	for _, entry := range history {
		done[entry.ID] = true
	}
	return done, nil
}

func (m *Migrator) appliedList(ctx context.Context) ([]Applied, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id, applied_at FROM schema_migrations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query schema_migrations: %w", err)
	}
	defer rows.Close()

	history := []Applied{}
	for rows.Next() {
		var entry Applied
		if err := rows.Scan(&entry.ID, &entry.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		history = append(history, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schema_migrations: %w", err)
	}
	return history, nil
}

func (m *Migrator) byID(id string) (Migration, bool) {
	for _, mig := range m.migrations {
		if mig.ID == id {
			return mig, true
		}
	}
	return Migration{}, false
}

// loadMigrations pairs the embedded <id>.up.sql and <id>.down.sql files
// into Migrations sorted by ID. Every migration must have up SQL; down
// SQL is optional until someone asks to roll it back.
func loadMigrations() ([]Migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byID := map[string]*Migration{}
	for _, entry := range entries {
		name := entry.Name()
		var id string
		var up bool
		if base, ok := strings.CutSuffix(name, ".up.sql"); ok {
			id, up = base, true
		} else if base, ok := strings.CutSuffix(name, ".down.sql"); ok {
			id, up = base, false
		} else {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		mig := byID[id]
		if mig == nil {
			mig = &Migration{ID: id}
			byID[id] = mig
		}
		if up {
			mig.UpSQL = string(data)
		} else {
			mig.DownSQL = string(data)
		}
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	migrations := make([]Migration, 0, len(ids))
	for _, id := range ids {
		mig := byID[id]
		if strings.TrimSpace(mig.UpSQL) == "" {
			return nil, fmt.Errorf("migration %s has no up file", id)
		}
		migrations = append(migrations, *mig)
	}
	return migrations, nil
}
