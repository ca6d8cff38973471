package storage

import (
	"cmp"
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"slices"
	"strconv"
	"strings"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const schemaMigrationsDDL = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version UInt32,
		name String,
		applied_at DateTime DEFAULT now()
	)
	ENGINE = MergeTree()
	ORDER BY version
`

// Migration is one versioned schema change.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrator applies pending schema migrations at startup.
type Migrator struct {
	client *ClickHouseClient
}

// NewMigrator creates a Migrator.
func NewMigrator(client *ClickHouseClient) *Migrator {
	return &Migrator{client: client}
}

// Run applies every migration that has not been recorded yet, in version
// order.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.client.Exec(ctx, schemaMigrationsDDL); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}

	applied, err := m.appliedVersions(ctx)
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}

	ran := 0
	for _, mig := range migrations {
		if applied[mig.Version] {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return err
		}
		ran++
	}

	if ran == 0 {
		slog.Debug("schema up to date", "migrations", len(migrations))
	} else {
		slog.Info("schema migrations complete", "applied", ran, "total", len(migrations))
	}
	return nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	slog.Info("applying migration", "version", mig.Version, "name", mig.Name)

	for _, stmt := range splitStatements(mig.SQL) {
		if isCommentOnly(stmt) {
			continue
		}
		if err := m.client.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", mig.Version, mig.Name, err)
		}
	}

	if err := m.client.Exec(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
		uint32(mig.Version), mig.Name,
	); err != nil {
		return fmt.Errorf("record migration %d: %w", mig.Version, err)
	}

	return nil
}

// loadMigrations reads the embedded migration files, sorted by version.
// Filenames follow 00N_name.sql; anything else in the directory is skipped.
func loadMigrations() ([]Migration, error) {
	paths, err := fs.Glob(migrationFiles, "migrations/*.sql")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, p := range paths {
		prefix, rest, ok := strings.Cut(path.Base(p), "_")
		if !ok {
			continue
		}
		ver, err := strconv.Atoi(prefix)
		if err != nil || ver < 1 {
			continue
		}

		raw, err := migrationFiles.ReadFile(p)
		if err != nil {
			return nil, err
		}

		migrations = append(migrations, Migration{
			Version: ver,
			Name:    strings.TrimSuffix(rest, ".sql"),
			SQL:     string(raw),
		})
	}

	slices.SortFunc(migrations, func(a, b Migration) int {
		return cmp.Compare(a.Version, b.Version)
	})
	return migrations, nil
}

func (m *Migrator) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := m.client.Query(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version uint32
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[int(version)] = true
	}

	return applied, nil
}

// splitStatements splits migration SQL on semicolons. A semicolon inside a
// quoted string does not end the statement, and a doubled quote inside a
// string does not end the string. Statements come back trimmed, with empty
// segments dropped.
func splitStatements(sql string) []string {
	var statements []string
	emit := func(segment string) {
		if segment = strings.TrimSpace(segment); segment != "" {
			statements = append(statements, segment)
		}
	}

	start := 0
	var quote byte
	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case quote != 0:
			if c != quote {
				continue
			}
			if i+1 < len(sql) && sql[i+1] == quote {
				i++
			} else {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ';':
			emit(sql[start:i])
			start = i + 1
		}
	}
	emit(sql[start:])

	return statements
}

// isCommentOnly reports whether every line of the statement is a -- comment.
func isCommentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
