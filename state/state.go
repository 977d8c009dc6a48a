package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dhcgn/imap-spamtrainer/model"
)

var ErrNoCheckpoint = errors.New("no checkpoint stored")

// Checkpoint is the highest uid known to be fully handled for a mailbox.
type Checkpoint struct {
	LastUID uint32 `json:"lastUid"`
}

// Store persists one checkpoint per mailbox identity.
type Store interface {
	Get(ctx context.Context, id model.Identity) (Checkpoint, error)
	Set(ctx context.Context, id model.Identity, cp Checkpoint) error
	Close() error
}

const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Open creates the store for the named backend rooted at dir.
func Open(backend, dir string) (Store, error) {
	switch backend {
	case "", BackendFile:
		return NewFileStore(dir)
	case BackendSQLite:
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
		return NewSQLiteStore(filepath.Join(dir, "checkpoints.db"))
	default:
		return nil, fmt.Errorf("unknown state backend %q", backend)
	}
}

type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string]Checkpoint)}
}

func (m *MemoryStore) Get(_ context.Context, id model.Identity) (Checkpoint, error) {
	m.mu.RLock()
	cp, ok := m.checkpoints[id.Fingerprint()]
	m.mu.RUnlock()
	if !ok {
		return Checkpoint{}, ErrNoCheckpoint
	}
	return cp, nil
}

func (m *MemoryStore) Set(_ context.Context, id model.Identity, cp Checkpoint) error {
	m.mu.Lock()
	m.checkpoints[id.Fingerprint()] = cp
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// FileStore keeps every checkpoint in its own JSON file named after the
// identity fingerprint, so existing state directories keep working.
type FileStore struct {
	dir string
}

func NewFileStore(stateDir string) (*FileStore, error) {
	if strings.TrimSpace(stateDir) == "" {
		return nil, fmt.Errorf("state directory is empty")
	}

	dir := filepath.Join(stateDir, ".spamassassin")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(id model.Identity) string {
	return filepath.Join(f.dir, id.Fingerprint())
}

func (f *FileStore) Get(_ context.Context, id model.Identity) (Checkpoint, error) {
	data, err := os.ReadFile(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return Checkpoint{}, ErrNoCheckpoint
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("read checkpoint %s: %w", id, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("parse checkpoint %s: %w", id, err)
	}
	return cp, nil
}

// Set replaces the checkpoint file atomically through a temp file.
func (f *FileStore) Set(_ context.Context, id model.Identity, cp Checkpoint) error {
	data, err := json.MarshalIndent(cp, "", "    ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("create checkpoint temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}

	if err := os.Rename(tmpName, f.path(id)); err != nil {
		return fmt.Errorf("replace checkpoint %s: %w", id, err)
	}
	return nil
}

func (f *FileStore) Close() error {
	return nil
}
