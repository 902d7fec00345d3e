package store

import (
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/sqlite/*.sql migrations/mysql/*.sql
var embedMigrations embed.FS

// migrate applies all pending schema migrations for the store's dialect.
func (s *Store) migrate() error {
	var gooseDialect, dir string
	switch s.dialect {
	case DialectMySQL:
		gooseDialect, dir = "mysql", "migrations/mysql"
	default:
		// goose calls the dialect "sqlite3" regardless of the driver name;
		// modernc.org/sqlite registers as "sqlite" but the SQL is the same.
		gooseDialect, dir = "sqlite3", "migrations/sqlite"
	}

	sub, err := fs.Sub(embedMigrations, dir)
	if err != nil {
		return fmt.Errorf("locate migrations: %w", err)
	}

	goose.SetBaseFS(sub)
	goose.SetVerbose(false)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect(gooseDialect); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(s.db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
