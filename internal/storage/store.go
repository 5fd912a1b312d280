// Package storage persists panel calibration across daemon restarts.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/shini4i/livedisplayd/internal/calibration"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store provides SQLite-backed calibration persistence.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the state database and applies migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Save stores the user-settable part of st for a panel. Resolved dimming
// indices are derived and not persisted.
func (s *Store) Save(ctx context.Context, panel string, st calibration.State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(panel) == "" {
		return fmt.Errorf("panel name is required")
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO panel_state (
	panel, r, g, b, brightness, lux, auto_brightness, acl_on, modes, preset, temperature, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(panel) DO UPDATE SET
	r = excluded.r,
	g = excluded.g,
	b = excluded.b,
	brightness = excluded.brightness,
	lux = excluded.lux,
	auto_brightness = excluded.auto_brightness,
	acl_on = excluded.acl_on,
	modes = excluded.modes,
	preset = excluded.preset,
	temperature = excluded.temperature,
	updated_at = excluded.updated_at
`,
		panel,
		st.R, st.G, st.B,
		st.BrightnessLevel,
		st.Lux,
		st.AutoBrightness,
		st.ACLOn,
		uint32(st.Modes),
		st.Preset,
		st.Temperature,
		time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save panel state: %w", err)
	}
	return nil
}

// Load returns the saved state of a panel. ok is false when nothing has
// been saved. Fields that are not persisted take calibration.Defaults.
func (s *Store) Load(ctx context.Context, panel string) (calibration.State, bool, error) {
	if err := ctx.Err(); err != nil {
		return calibration.State{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return calibration.State{}, false, fmt.Errorf("storage is not configured")
	}

	st := calibration.Defaults()
	var modes uint32
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT r, g, b, brightness, lux, auto_brightness, acl_on, modes, preset, temperature
FROM panel_state
WHERE panel = ?
`, panel).Scan(
		&st.R, &st.G, &st.B,
		&st.BrightnessLevel,
		&st.Lux,
		&st.AutoBrightness,
		&st.ACLOn,
		&modes,
		&st.Preset,
		&st.Temperature,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return calibration.State{}, false, nil
	}
	if err != nil {
		return calibration.State{}, false, fmt.Errorf("load panel state: %w", err)
	}
	st.Modes = calibration.Feature(modes)
	return st, true, nil
}

// Delete forgets the saved state of a panel.
func (s *Store) Delete(ctx context.Context, panel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM panel_state WHERE panel = ?`, panel); err != nil {
		return fmt.Errorf("delete panel state: %w", err)
	}
	return nil
}

// applyMigrations executes embedded migrations at most once per file.
func applyMigrations(sqlDB *sql.DB) error {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	if _, err := sqlDB.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
);
`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var count int
		if err := sqlDB.QueryRow(`SELECT COUNT(1) FROM schema_migrations WHERE name = ?`, file).Scan(&count); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if count > 0 {
			continue
		}

		content, err := fs.ReadFile(migrationFS, "migrations/"+file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}

		tx, err := sqlDB.BeginTx(context.Background(), nil)
		if err != nil {
			return fmt.Errorf("begin migration transaction %s: %w", file, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (name, applied_at) VALUES (?, ?)`,
			file, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}
