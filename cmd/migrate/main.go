package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/virtualsim/activation-backend/internal/infrastructure/config"
)

const (
	migrationsTable = "schema_migrations"
	migrationsDir   = "migrations"
)

type migration struct {
	ID        string
	Filename  string
	AppliedAt time.Time
}

func main() {
	var (
		action = flag.String("action", "up", "Migration action: up, down, status, create")
		name   = flag.String("name", "", "Migration name (for create action)")
		steps  = flag.Int("steps", 0, "Number of migrations to run (0 = all)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	m := &migrator{db: db}
	ctx := context.Background()

	switch *action {
	case "up":
		err = m.up(ctx, *steps)
	case "down":
		err = m.down(ctx, *steps)
	case "status":
		err = m.status(ctx)
	case "create":
		if *name == "" {
			slog.Error("migration name is required for create action")
			os.Exit(1)
		}
		err = m.create(*name)
	default:
		slog.Error("unknown action", "action", *action)
		os.Exit(1)
	}

	if err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

type migrator struct {
	db *sql.DB
}

func (m *migrator) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id VARCHAR(255) PRIMARY KEY,
			filename VARCHAR(255) NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)
	`, migrationsTable))
	return err
}

func (m *migrator) applied(ctx context.Context) (map[string]migration, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensuring migrations table: %w", err)
	}

	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, filename, applied_at FROM %s ORDER BY applied_at", migrationsTable))
	if err != nil {
		return nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer rows.Close()

	result := make(map[string]migration)
	for rows.Next() {
		var mg migration
		if err := rows.Scan(&mg.ID, &mg.Filename, &mg.AppliedAt); err != nil {
			return nil, fmt.Errorf("scanning migration row: %w", err)
		}
		result[mg.ID] = mg
	}
	return result, rows.Err()
}

func (m *migrator) pending(ctx context.Context) ([]string, error) {
	done, err := m.applied(ctx)
	if err != nil {
		return nil, err
	}

	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("listing migration files: %w", err)
	}
	sort.Strings(files)

	var result []string
	for _, file := range files {
		if _, ok := done[migrationID(filepath.Base(file))]; !ok {
			result = append(result, file)
		}
	}
	return result, nil
}

func (m *migrator) up(ctx context.Context, steps int) error {
	files, err := m.pending(ctx)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		slog.Info("no pending migrations")
		return nil
	}
	if steps > 0 && steps < len(files) {
		files = files[:steps]
	}

	for _, file := range files {
		if err := m.apply(ctx, file); err != nil {
			return fmt.Errorf("applying %s: %w", file, err)
		}
		slog.Info("applied migration", "file", file)
	}

	slog.Info("migrations completed", "count", len(files))
	return nil
}

func (m *migrator) down(ctx context.Context, steps int) error {
	done, err := m.applied(ctx)
	if err != nil {
		return err
	}
	if len(done) == 0 {
		slog.Info("no migrations to rollback")
		return nil
	}

	migrations := make([]migration, 0, len(done))
	for _, mg := range done {
		migrations = append(migrations, mg)
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].AppliedAt.After(migrations[j].AppliedAt)
	})

	if steps > 0 && steps < len(migrations) {
		migrations = migrations[:steps]
	}

	for _, mg := range migrations {
		if _, err := m.db.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE id = $1", migrationsTable), mg.ID); err != nil {
			return fmt.Errorf("rolling back %s: %w", mg.Filename, err)
		}
		slog.Warn("migration record removed, schema changes need manual cleanup", "file", mg.Filename)
	}

	slog.Info("rollback completed", "count", len(migrations))
	return nil
}

func (m *migrator) status(ctx context.Context) error {
	done, err := m.applied(ctx)
	if err != nil {
		return err
	}
	files, err := m.pending(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Applied migrations: %d\n", len(done))
	for _, mg := range done {
		fmt.Printf("  %s (applied at %s)\n", mg.Filename, mg.AppliedAt.Format(time.RFC3339))
	}
	fmt.Printf("\nPending migrations: %d\n", len(files))
	for _, file := range files {
		fmt.Printf("  %s\n", filepath.Base(file))
	}
	return nil
}

func (m *migrator) create(name string) error {
	id := fmt.Sprintf("%s_%s", time.Now().Format("20060102150405"), name)
	path := filepath.Join(migrationsDir, id+".sql")

	if err := os.MkdirAll(migrationsDir, 0o755); err != nil {
		return fmt.Errorf("creating migrations directory: %w", err)
	}

	content := fmt.Sprintf("-- Migration: %s\n-- Created at: %s\n\n", name, time.Now().Format(time.RFC3339))
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("creating migration file: %w", err)
	}

	slog.Info("created migration", "file", path)
	return nil
}

func (m *migrator) apply(ctx context.Context, file string) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("reading migration file: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return fmt.Errorf("executing migration SQL: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (id, filename) VALUES ($1, $2)", migrationsTable),
		migrationID(filepath.Base(file)), filepath.Base(file)); err != nil {
		return fmt.Errorf("recording migration: %w", err)
	}

	return tx.Commit()
}

func migrationID(filename string) string {
	return strings.TrimSuffix(filename, ".sql")
}
