package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"retrace/internal/storage"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed implementation of storage.Store. One writer
// connection is shared by every pipeline stage; each unit of work is one
// small transaction so facade reads are never blocked for longer than that.
type Store struct {
	db            *sql.DB
	dbPath        string
	schemaVersion uint
	ready         atomic.Bool
}

func NewStore(dbPath string) storage.Store {
	return &Store{dbPath: dbPath}
}

func (s *Store) Init(ctx context.Context) error {
	// Ensure directory exists
	dir := filepath.Dir(s.dbPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create db directory %s: %w", dir, err)
	}

	log.Printf("Initializing SQLite database at: %s", s.dbPath)
	// The blank import above registers the pure-Go "sqlite" driver.
	dsn := "file:" + s.dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}
	s.db = db

	// SQLite is best with a single writer connection
	s.db.SetMaxOpenConns(1)
	s.db.SetMaxIdleConns(1)
	s.db.SetConnMaxLifetime(time.Minute * 5)

	if err := s.db.PingContext(ctx); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// A migration failure here is fatal for the whole pipeline: the caller
	// must refuse to start rather than run against a half-applied schema.
	if err := s.runMigrations(); err != nil {
		s.db.Close()
		return fmt.Errorf("schema migration failed: %w", err)
	}

	s.ready.Store(true)
	log.Printf("Database initialized successfully (schema generation %d).", s.schemaVersion)
	return nil
}

func (s *Store) SchemaVersion() uint {
	return s.schemaVersion
}

func (s *Store) Ready() bool {
	return s.ready.Load()
}

func (s *Store) Close() error {
	s.ready.Store(false)
	if s.db != nil {
		log.Println("Closing database connection.")
		return s.db.Close()
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error. Busy errors
// are retried with backoff by the caller via withRetry.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			log.Printf("Warning: rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// --- JSON list helpers ---
// Lists (tags, technologies, session ids, ...) are stored as JSON text.

func encodeStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, err := json.Marshal(values)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStrings(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw.String), &values); err != nil {
		log.Printf("Warning: malformed list column %q: %v", raw.String, err)
		return nil
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

func encodeIDs(ids []int64) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeIDs(raw sql.NullString) []int64 {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw.String), &ids); err != nil {
		log.Printf("Warning: malformed id list column %q: %v", raw.String, err)
		return nil
	}
	if len(ids) == 0 {
		return nil
	}
	return ids
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
