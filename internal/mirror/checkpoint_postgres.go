package mirror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresCheckpointTableName = "couchmirror_checkpoint"
	postgresOperationTimeout    = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresCheckpointStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	mu sync.Mutex
	db *sql.DB
}

func NewPostgresCheckpointStore(dsn string) (*PostgresCheckpointStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresCheckpointStore{
		dsn:       dsn,
		tableName: postgresCheckpointTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresCheckpointStore) Load(ctx context.Context, database string) (*Checkpoint, error) {
	db, err := s.ensureReady(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT seq, updated_at FROM %s WHERE database_name = $1", QuoteIdentifier(s.tableName))
	checkpoint := Checkpoint{Database: database}
	err = db.QueryRowContext(ctx, query, database).Scan(&checkpoint.Seq, &checkpoint.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

func (s *PostgresCheckpointStore) Save(ctx context.Context, checkpoint Checkpoint) error {
	if strings.TrimSpace(checkpoint.Database) == "" {
		return ErrInvalidInput
	}
	db, err := s.ensureReady(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	updatedAt := checkpoint.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (database_name, seq, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (database_name)
		DO UPDATE SET seq = EXCLUDED.seq, updated_at = EXCLUDED.updated_at`, QuoteIdentifier(s.tableName))
	_, err = db.ExecContext(ctx, query, checkpoint.Database, checkpoint.Seq, updatedAt)
	return err
}

func (s *PostgresCheckpointStore) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// ensureReady opens the pool and creates the table on first use. A failed
// attempt is retried on the next call.
func (s *PostgresCheckpointStore) ensureReady(ctx context.Context) (*sql.DB, error) {
	if s == nil {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db, nil
	}
	db, err := s.openDB("postgres", s.dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			database_name TEXT PRIMARY KEY,
			seq TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, QuoteIdentifier(s.tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db = db
	return db, nil
}

// QuoteIdentifier quotes a possibly schema-qualified SQL identifier.
func QuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return `""`
	}
	parts := strings.Split(identifier, ".")
	for i, part := range parts {
		parts[i] = `"` + strings.ReplaceAll(strings.TrimSpace(part), `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}
