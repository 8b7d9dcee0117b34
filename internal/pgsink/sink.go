package pgsink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/couchmirror/internal/mirror"
)

const (
	defaultTableName        = "couchdb_docs"
	defaultOperationTimeout = 5 * time.Second

	sqlStateUndefinedTable = "42P01"
	sqlStateCannotConnect  = "57P03"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type Options struct {
	Table            string
	MaxOpenConns     int
	OperationTimeout time.Duration
}

// Sink mirrors documents into a two-column table: id TEXT PRIMARY KEY and
// doc JSONB. The connection pool is the only shared resource; every call
// takes a short-lived lease from it.
type Sink struct {
	dsn          string
	table        string
	maxOpenConns int
	timeout      time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func New(dsn string, opts Options) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: postgres dsn is required", mirror.ErrInvalidInput)
	}
	table := strings.TrimSpace(opts.Table)
	if table == "" {
		table = defaultTableName
	}
	timeout := opts.OperationTimeout
	if timeout <= 0 {
		timeout = defaultOperationTimeout
	}
	return &Sink{
		dsn:          dsn,
		table:        table,
		maxOpenConns: opts.MaxOpenConns,
		timeout:      timeout,
		openDB:       sql.Open,
	}, nil
}

func (s *Sink) Table() string {
	return s.table
}

// Check leases one connection and runs a bounded select against the table.
func (s *Sink) Check(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return classifyError(err)
	}
	defer conn.Close()

	query := fmt.Sprintf("SELECT id FROM %s LIMIT 1", mirror.QuoteIdentifier(s.table))
	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return classifyError(err)
	}
	_ = rows.Close()
	return classifyError(rows.Err())
}

func (s *Sink) CreateTable(ctx context.Context) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			doc JSONB NOT NULL
		)`, mirror.QuoteIdentifier(s.table))
	_, err := s.db.ExecContext(ctx, query)
	return classifyError(err)
}

// Upsert replaces the row for doc.ID, inserting it when absent. A document
// without id or body fails permanently.
func (s *Sink) Upsert(ctx context.Context, doc mirror.Document) error {
	if strings.TrimSpace(doc.ID) == "" || len(doc.Body) == 0 {
		return mirror.Permanent(fmt.Errorf("%w: document %q has no id or body", mirror.ErrInvalidInput, doc.ID))
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, doc)
		VALUES ($1, $2::jsonb)
		ON CONFLICT (id)
		DO UPDATE SET doc = EXCLUDED.doc`, mirror.QuoteIdentifier(s.table))
	_, err := s.db.ExecContext(ctx, query, doc.ID, string(doc.Body))
	return classifyError(err)
}

// Get returns the stored payload for id, or nil when there is no row.
func (s *Sink) Get(ctx context.Context, id string) (json.RawMessage, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf("SELECT doc FROM %s WHERE id = $1", mirror.QuoteIdentifier(s.table))
	var payload string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyError(err)
	}
	return json.RawMessage(payload), nil
}

func (s *Sink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ensureOpen creates the pool. sql.Open does not dial, so connection
// failures surface on first use and are classified there.
func (s *Sink) ensureOpen() error {
	if s == nil {
		return mirror.ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.maxOpenConns > 0 {
			db.SetMaxOpenConns(s.maxOpenConns)
			db.SetMaxIdleConns(s.maxOpenConns)
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
		s.db = db
	})
	return s.initErr
}

func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case sqlStateUndefinedTable:
			return fmt.Errorf("%w: %w", mirror.ErrRelationNotFound, err)
		case sqlStateCannotConnect:
			return fmt.Errorf("%w: %w", mirror.ErrConnRefused, err)
		}
		return err
	}
	if errors.Is(err, unix.ECONNREFUSED) {
		return fmt.Errorf("%w: %w", mirror.ErrConnRefused, err)
	}
	return err
}
