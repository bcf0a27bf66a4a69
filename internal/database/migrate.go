package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var embedded embed.FS

// Migrations returns the SQL migrations compiled into the binary.
func Migrations() fs.FS {
	sub, err := fs.Sub(embedded, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// MigrationSource picks the embedded migrations, or dir when it is set.
func MigrationSource(dir string) (fs.FS, error) {
	if dir == "" {
		return Migrations(), nil
	}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return nil, fmt.Errorf("migrations dir %q not found", dir)
	}
	return os.DirFS(dir), nil
}

func ensureDatabase(ctx context.Context, databaseURL string, log *zap.Logger) error {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	dbName := strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return fmt.Errorf("database name is empty in url")
	}
	u.Path = "/postgres"
	db, err := sql.Open("postgres", u.String())
	if err != nil {
		return fmt.Errorf("open admin connection: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping admin connection: %w", err)
	}
	var exists bool
	err = db.QueryRowContext(ctx, "SELECT true FROM pg_database WHERE datname = $1", dbName).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check database existence: %w", err)
	}
	if exists {
		return nil
	}
	if _, err = db.ExecContext(ctx, "CREATE DATABASE "+pq.QuoteIdentifier(dbName)); err != nil {
		return fmt.Errorf("create database %q: %w", dbName, err)
	}
	log.Info("database created", zap.String("database", dbName))
	return nil
}

func newProvider(databaseURL string, migrations fs.FS) (*goose.Provider, *sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("goose provider: %w", err)
	}
	return p, db, nil
}

// MigrateUp creates the database when missing and applies every pending migration in order.
func MigrateUp(ctx context.Context, databaseURL string, migrations fs.FS, log *zap.Logger) error {
	if err := ensureDatabase(ctx, databaseURL, log); err != nil {
		return fmt.Errorf("ensure database: %w", err)
	}
	p, db, err := newProvider(databaseURL, migrations)
	if err != nil {
		return err
	}
	defer db.Close()

	results, err := p.Up(ctx)
	if err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	if len(results) == 0 {
		log.Info("migrate: no pending migrations")
		return nil
	}
	for _, r := range results {
		log.Info("migrate: applied",
			zap.Int64("version", r.Source.Version),
			zap.String("file", r.Source.Path),
			zap.Duration("took", r.Duration))
	}
	return nil
}

// MigrationState is one line of `migrate status`.
type MigrationState struct {
	Version int64
	File    string
	Applied bool
}

func MigrateStatus(ctx context.Context, databaseURL string, migrations fs.FS) ([]MigrationState, error) {
	p, db, err := newProvider(databaseURL, migrations)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("migrate status: %w", err)
	}
	out := make([]MigrationState, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, MigrationState{
			Version: s.Source.Version,
			File:    s.Source.Path,
			Applied: s.State == goose.StateApplied,
		})
	}
	return out, nil
}
