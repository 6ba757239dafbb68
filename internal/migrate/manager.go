// Package migrate applies the IAM schema to a postgres database from
// versioned .up.sql/.down.sql files, plus idempotent seed files for the
// built-in roles and permissions. Applied files are tracked in
// bookkeeping tables so reruns are no-ops.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	migrationsTable = "iam_schema_migrations"
	seedsTable      = "iam_schema_seeds"

	upSuffix   = ".up.sql"
	downSuffix = ".down.sql"
)

// Runner applies schema migrations and seeds against a single database.
// Files come from an fs.FS so tests can feed it an in-memory tree.
type Runner struct {
	db         *sql.DB
	migrations fs.FS
	seeds      fs.FS
	log        *zap.Logger
	now        func() time.Time
}

// NewRunner builds a Runner reading migrations and seeds from the given
// directories. Either directory may be empty, disabling that half.
func NewRunner(db *sql.DB, migrationsDir, seedsDir string, log *zap.Logger) *Runner {
	r := &Runner{db: db, log: log, now: time.Now}
	if log == nil {
		r.log = zap.NewNop()
	}
	if migrationsDir != "" {
		r.migrations = os.DirFS(migrationsDir)
	}
	if seedsDir != "" {
		r.seeds = os.DirFS(seedsDir)
	}
	return r
}

// Apply runs every pending .up.sql migration in lexical order, each in
// its own transaction.
func (r *Runner) Apply(ctx context.Context) error {
	if err := r.ensureBookkeeping(ctx); err != nil {
		return err
	}
	done, err := r.applied(ctx, migrationsTable)
	if err != nil {
		return err
	}
	names, err := listFiles(r.migrations, upSuffix)
	if err != nil {
		return err
	}
	for _, name := range names {
		if done[name] {
			continue
		}
		if err := r.runFile(ctx, r.migrations, name); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
		if err := r.record(ctx, migrationsTable, name); err != nil {
			return err
		}
		r.log.Info("migration applied", zap.String("file", name))
	}
	return nil
}

// Rollback reverts the most recently applied migration using its
// .down.sql counterpart.
func (r *Runner) Rollback(ctx context.Context) error {
	if err := r.ensureBookkeeping(ctx); err != nil {
		return err
	}
	var last string
	err := r.db.QueryRowContext(ctx,
		`select name from `+migrationsTable+` order by applied_at desc, name desc limit 1`,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.New("nothing to roll back")
	}
	if err != nil {
		return err
	}
	down := strings.TrimSuffix(last, upSuffix) + downSuffix
	if _, err := fs.Stat(r.migrations, down); err != nil {
		return fmt.Errorf("no down file %s for %s", down, last)
	}
	if err := r.runFile(ctx, r.migrations, down); err != nil {
		return fmt.Errorf("rollback %s: %w", down, err)
	}
	if _, err := r.db.ExecContext(ctx, `delete from `+migrationsTable+` where name = $1`, last); err != nil {
		return err
	}
	r.log.Info("migration rolled back", zap.String("file", last))
	return nil
}

// Seed runs every pending seed file. Seeds are tracked like migrations
// so role/permission seed data is inserted exactly once.
func (r *Runner) Seed(ctx context.Context) error {
	if err := r.ensureBookkeeping(ctx); err != nil {
		return err
	}
	done, err := r.applied(ctx, seedsTable)
	if err != nil {
		return err
	}
	names, err := listFiles(r.seeds, ".sql")
	if err != nil {
		return err
	}
	for _, name := range names {
		if done[name] {
			continue
		}
		if err := r.runFile(ctx, r.seeds, name); err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
		if err := r.record(ctx, seedsTable, name); err != nil {
			return err
		}
		r.log.Info("seed applied", zap.String("file", name))
	}
	return nil
}

// Applied returns migration names in application order.
func (r *Runner) Applied(ctx context.Context) ([]string, error) {
	if err := r.ensureBookkeeping(ctx); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`select name from `+migrationsTable+` order by applied_at asc, name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (r *Runner) ensureBookkeeping(ctx context.Context) error {
	for _, table := range []string{migrationsTable, seedsTable} {
		ddl := `create table if not exists ` + table + ` (
			name text primary key,
			applied_at timestamptz not null
		)`
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) runFile(ctx context.Context, fsys fs.FS, name string) error {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Runner) record(ctx context.Context, table, name string) error {
	_, err := r.db.ExecContext(ctx,
		`insert into `+table+` (name, applied_at) values ($1, $2)`,
		name, r.now().UTC())
	return err
}

func (r *Runner) applied(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `select name from `+table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	done := make(map[string]bool)
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		done[n] = true
	}
	return done, rows.Err()
}

func listFiles(fsys fs.FS, suffix string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	var names []string
	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, suffix) {
			names = append(names, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements breaks a file into individual statements at top-level
// semicolons. Quoted strings and dollar-quoted bodies (plpgsql trigger
// functions in the audit schema) are kept intact.
func splitStatements(src string) []string {
	var (
		out     []string
		buf     strings.Builder
		inQuote bool
		inBody  bool
	)
	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\'' && !inBody:
			inQuote = !inQuote
		case r == '$' && !inQuote && i+1 < len(runes) && runes[i+1] == '$':
			inBody = !inBody
			buf.WriteRune(r)
			i++
			r = runes[i]
		case r == ';' && !inQuote && !inBody:
			buf.WriteRune(r)
			if stmt := strings.TrimSpace(buf.String()); stmt != "" && stmt != ";" {
				out = append(out, stmt)
			}
			buf.Reset()
			continue
		}
		buf.WriteRune(r)
	}
	if stmt := strings.TrimSpace(buf.String()); stmt != "" {
		out = append(out, stmt)
	}
	return out
}
