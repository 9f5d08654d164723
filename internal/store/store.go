package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/patternlens/internal/logging"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrNotFound is returned when a run or pattern does not exist
var ErrNotFound = errors.New("not found")

// MemoryPath opens an ephemeral database
const MemoryPath = ":memory:"

const busyRetries = 5

// timeLayout has a fixed width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store is the catalog of one tenant, backed by a single SQLite database
type Store struct {
	db     *sql.DB
	tenant string
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// Open opens (or creates) the database at path and applies the schema
func Open(path, tenant string, logger *zap.Logger) (*Store, error) {
	dsn := path
	if path != MemoryPath {
		// Immediate transactions take the write lock at BEGIN, where busy_timeout applies
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database
	if path == MemoryPath {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{
		db:     db,
		tenant: tenant,
		logger: logging.OrNop(logger),
		sleep:  sleepContext,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Tenant returns the tenant this store belongs to
func (s *Store) Tenant() string {
	return s.tenant
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries operation while the database is busy or locked,
// backing off 10ms, 20ms, 40ms, ...
func (s *Store) retryOnBusy(ctx context.Context, operation func() error) error {
	var err error
	for i := 0; i < busyRetries; i++ {
		err = operation()
		if err == nil || !isBusy(err) {
			return err
		}

		backoff := time.Duration(10*(1<<uint(i))) * time.Millisecond
		s.logger.Debug("Database busy, retrying",
			zap.Int("attempt", i+1),
			zap.Duration("backoff", backoff))
		if serr := s.sleep(ctx, backoff); serr != nil {
			return serr
		}
	}
	return fmt.Errorf("operation failed after %d retries: %w", busyRetries, err)
}

func isBusy(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withTx runs fn inside a transaction, retrying the whole transaction on busy
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
