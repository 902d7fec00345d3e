package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"github.com/buildcrew/foreman/internal/metrics"
)

// Dialect selects the relational backend.
type Dialect string

const (
	DialectSQLite Dialect = "sqlite"
	DialectMySQL  Dialect = "mysql"
)

// defaultBusyTimeoutMS is the SQLite busy_timeout in milliseconds. Writers
// block up to this long on contention instead of failing immediately.
const defaultBusyTimeoutMS = 5000

// Store is the durable relational persistence layer. All other components
// mutate state through it, inside transactions.
type Store struct {
	db      *sql.DB
	dialect Dialect
	clock   *Clock
	metrics *metrics.Metrics

	// notify fires after a transaction that appended changelog entries
	// commits, once per touched project. pending tracks the projects each
	// in-flight transaction has touched.
	notifyMu sync.Mutex
	notify   func(projectID string)
	pending  map[*sql.Tx]map[string]bool
}

// OpenSQLite opens (or creates) a SQLite store at path. ":memory:" yields a
// throwaway store for tests.
func OpenSQLite(path string) (*Store, error) {
	db, err := sql.Open("sqlite", normalizeSQLiteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// storms between pooled connections of the same process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout=%d", defaultBusyTimeoutMS),
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA journal_mode=WAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(context.Background(), pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := newStore(db, DialectSQLite)
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// MySQLConfig holds the networked backend connection settings.
type MySQLConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
}

// OpenMySQL opens a MySQL store.
func OpenMySQL(cfg MySQLConfig) (*Store, error) {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	mc.DBName = cfg.Name
	mc.User = cfg.User
	mc.Passwd = cfg.Password
	mc.ParseTime = true
	mc.MultiStatements = true

	db, err := sql.Open("mysql", mc.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open mysql: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mysql: %w", err)
	}

	s := newStore(db, DialectMySQL)
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func newStore(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		clock:   NewClock(),
		metrics: metrics.NewMetrics(),
		pending: make(map[*sql.Tx]map[string]bool),
	}
}

func normalizeSQLiteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	if path == ":memory:" {
		return "file::memory:?cache=shared"
	}
	// mode=rwc => read/write/create.
	return "file:" + path + "?mode=rwc"
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Clock returns the store's monotonic clock.
func (s *Store) Clock() *Clock {
	return s.clock
}

// DB exposes the raw handle for read-only callers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// forUpdate returns the row-lock suffix for the dialect. SQLite serializes
// writers at the database level, so no suffix is needed there.
func (s *Store) forUpdate() string {
	if s.dialect == DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}

// SetChangeNotifier registers a callback fired after any transaction that
// appended changelog entries commits, once per touched project. Long-poll
// waiters (dispatcher and change feed) wake on it.
func (s *Store) SetChangeNotifier(fn func(projectID string)) {
	s.notifyMu.Lock()
	s.notify = fn
	s.notifyMu.Unlock()
}

// markChanged records that tx touched projectID's changelog.
func (s *Store) markChanged(tx *sql.Tx, projectID string) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	set := s.pending[tx]
	if set == nil {
		set = make(map[string]bool)
		s.pending[tx] = set
	}
	set[projectID] = true
}

// takePending removes and returns tx's touched projects with the current
// notifier.
func (s *Store) takePending(tx *sql.Tx) (map[string]bool, func(projectID string)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	set := s.pending[tx]
	delete(s.pending, tx)
	return set, s.notify
}

// Transact runs fn in a transaction, retrying on transient lock errors.
// Any non-nil fn error rolls the transaction back. On commit the change
// notifier fires for every project whose changelog grew.
func (s *Store) Transact(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return RetryWithBackoff(func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
			s.takePending(tx) // discard on any non-commit exit
		}()

		if err := fn(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit transaction: %w", err)
		}
		if touched, notify := s.takePending(tx); notify != nil {
			for projectID := range touched {
				notify(projectID)
			}
		}
		return nil
	})
}
