package mirror

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/natefinch/atomic"
)

// Checkpoint records the last change-feed sequence applied for a database.
type Checkpoint struct {
	Database  string    `json:"database"`
	Seq       string    `json:"seq"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type CheckpointStore interface {
	// Load returns nil when no checkpoint has been saved for database.
	Load(ctx context.Context, database string) (*Checkpoint, error)
	Save(ctx context.Context, checkpoint Checkpoint) error
	Close() error
}

type InMemoryCheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string]Checkpoint
}

func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{checkpoints: map[string]Checkpoint{}}
}

func (s *InMemoryCheckpointStore) Load(_ context.Context, database string) (*Checkpoint, error) {
	if s == nil {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	checkpoint, ok := s.checkpoints[database]
	if !ok {
		return nil, nil
	}
	return &checkpoint, nil
}

func (s *InMemoryCheckpointStore) Save(_ context.Context, checkpoint Checkpoint) error {
	if s == nil {
		return nil
	}
	if strings.TrimSpace(checkpoint.Database) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[checkpoint.Database] = checkpoint
	return nil
}

func (s *InMemoryCheckpointStore) Close() error {
	return nil
}

type fileCheckpointState struct {
	Checkpoints map[string]Checkpoint `json:"checkpoints"`
}

// FileCheckpointStore keeps checkpoints for all databases in one JSON file,
// replaced atomically on every save.
type FileCheckpointStore struct {
	path string
	mu   sync.Mutex
}

func NewFileCheckpointStore(path string) (*FileCheckpointStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &FileCheckpointStore{path: path}, nil
}

func (s *FileCheckpointStore) Load(_ context.Context, database string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	checkpoint, ok := state.Checkpoints[database]
	if !ok {
		return nil, nil
	}
	return &checkpoint, nil
}

func (s *FileCheckpointStore) Save(_ context.Context, checkpoint Checkpoint) error {
	if strings.TrimSpace(checkpoint.Database) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state, err := s.readLocked()
	if err != nil {
		return err
	}
	state.Checkpoints[checkpoint.Database] = checkpoint
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(data))
}

func (s *FileCheckpointStore) Close() error {
	return nil
}

func (s *FileCheckpointStore) readLocked() (fileCheckpointState, error) {
	state := fileCheckpointState{Checkpoints: map[string]Checkpoint{}}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return state, nil
		}
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return state, err
	}
	if state.Checkpoints == nil {
		state.Checkpoints = map[string]Checkpoint{}
	}
	return state, nil
}
