package mirror

import (
	"context"
	"errors"
	"io"
	"time"

	json "github.com/goccy/go-json"
)

var (
	ErrConnRefused       = errors.New("connection refused")
	ErrSourceNotFound    = errors.New("source database not found")
	ErrRelationNotFound  = errors.New("destination relation not found")
	ErrNotReady          = errors.New("endpoints not ready")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidTransition = errors.New("invalid phase transition")
)

// Document is a single source document in flight. Body holds the payload
// exactly as the source produced it and is never mutated.
type Document struct {
	ID   string
	Rev  string
	Body json.RawMessage
}

type ChangeEvent struct {
	Seq     string
	ID      string
	Deleted bool
	Doc     *Document
}

// ChangeFeed is a live subscription. Events is closed when the source ends
// the feed or the subscription context is cancelled. Errors carries
// non-fatal transport errors and is never closed before Events.
type ChangeFeed struct {
	Events <-chan ChangeEvent
	Errors <-chan error
}

type SourceInfo struct {
	Database  string
	DocCount  int64
	UpdateSeq string
}

type Source interface {
	Info(ctx context.Context) (SourceInfo, error)
	CreateDatabase(ctx context.Context) error
	BulkDump(ctx context.Context) (io.ReadCloser, error)
	Changes(ctx context.Context, since string) (*ChangeFeed, error)
}

type Destination interface {
	Check(ctx context.Context) error
	CreateTable(ctx context.Context) error
	Upsert(ctx context.Context, doc Document) error
}

// Readiness replaces process-wide health flags: HealthGate returns it by
// value and the orchestrator refuses to move data unless Ready reports true.
type Readiness struct {
	SourceReady      bool      `json:"sourceReady"`
	DestinationReady bool      `json:"destinationReady"`
	UpdateSeq        string    `json:"updateSeq,omitempty"`
	CheckedAt        time.Time `json:"checkedAt"`
}

func (r Readiness) Ready() bool {
	return r.SourceReady && r.DestinationReady
}

// docHeader picks the identity fields out of a document payload.
type docHeader struct {
	ID  string `json:"_id"`
	Rev string `json:"_rev"`
}

// NewDocument builds a Document from a raw payload, taking the id from
// "_id" and falling back to fallbackID.
func NewDocument(fallbackID string, body json.RawMessage) (Document, error) {
	var header docHeader
	if err := json.Unmarshal(body, &header); err != nil {
		return Document{}, err
	}
	id := header.ID
	if id == "" {
		id = fallbackID
	}
	if id == "" {
		return Document{}, ErrInvalidInput
	}
	return Document{ID: id, Rev: header.Rev, Body: body}, nil
}
