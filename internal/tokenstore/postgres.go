package tokenstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	_ "github.com/jackc/pgx/v5/stdlib"

	"tenantgate.org/internal/migrate"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// MigrationsTable records applied session_state migrations.
const MigrationsTable = "session_state_migrations"

// Migrations returns the schema migrations of the Postgres backend.
func Migrations() fs.FS {
	sub, _ := fs.Sub(migrationFiles, "migrations")
	return sub
}

// Postgres keeps session state in a key/value table, one row per
// (profile, key). Used when the shell runs server-side for many browsers.
type Postgres struct {
	db      *sql.DB
	profile string
}

// OpenPostgres opens a pgx-backed pool for dsn.
func OpenPostgres(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	return db, nil
}

// NewPostgres returns a backend scoped to profile.
func NewPostgres(db *sql.DB, profile string) *Postgres {
	if profile == "" {
		profile = "default"
	}
	return &Postgres{db: db, profile: profile}
}

// EnsureSchema applies pending schema migrations.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	return migrate.NewManager(p.db, Migrations(), migrate.WithMigrationsTable(MigrationsTable)).Up(ctx)
}

func (p *Postgres) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := p.db.QueryRowContext(ctx,
		`select value from session_state where profile=$1 and key=$2`, p.profile, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Write upserts put and deletes remove in one transaction so a credential
// pair is never half written.
func (p *Postgres) Write(ctx context.Context, put map[string]string, remove ...string) error {
	if len(put) == 0 && len(remove) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, k := range sortedKeys(put) {
		if _, err := tx.ExecContext(ctx, `
			insert into session_state(profile, key, value, updated_at)
			values ($1,$2,$3, now())
			on conflict (profile, key) do update
			set value = excluded.value, updated_at = excluded.updated_at
		`, p.profile, k, put[k]); err != nil {
			return fmt.Errorf("upsert %s: %w", k, err)
		}
	}
	for _, k := range remove {
		if _, err := tx.ExecContext(ctx,
			`delete from session_state where profile=$1 and key=$2`, p.profile, k,
		); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	return tx.Commit()
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
