package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

var (
	// ErrSnapshotExists is returned when a snapshot ID is stored twice.
	ErrSnapshotExists = errors.New("snapshot already exists")
	// ErrSnapshotNotFound is returned for unknown snapshot IDs.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Store persists snapshots. Stores are append-only: a stored snapshot is
// never modified or replaced.
type Store interface {
	Put(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, id string) (*Snapshot, error)
	List(ctx context.Context) ([]*Snapshot, error)
}

// FileStore keeps one JSON document per snapshot under a directory.
type FileStore struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

// NewFileStore creates a store rooted at dir on fs.
func NewFileStore(fs afero.Fs, dir string) *FileStore {
	return &FileStore{fs: fs, dir: dir}
}

// NewMemoryStore creates a store on an in-memory filesystem.
func NewMemoryStore() *FileStore {
	return NewFileStore(afero.NewMemMapFs(), "/snapshots")
}

func (s *FileStore) path(id string) string {
	id = strings.ReplaceAll(id, "/", "_")
	id = strings.ReplaceAll(id, "\\", "_")
	return filepath.Join(s.dir, id+".json")
}

// Put writes snap. Existing IDs are rejected with ErrSnapshotExists.
func (s *FileStore) Put(_ context.Context, snap *Snapshot) error {
	if snap == nil || snap.ID == "" {
		return fmt.Errorf("snapshot store: put: snapshot ID must not be empty")
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot store: put %q: marshal: %w", snap.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fs.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("snapshot store: put %q: %w", snap.ID, err)
	}
	path := s.path(snap.ID)
	if ok, _ := afero.Exists(s.fs, path); ok {
		return fmt.Errorf("%w: %s", ErrSnapshotExists, snap.ID)
	}
	// O_EXCL guards against another process writing the same ID.
	f, err := s.fs.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrSnapshotExists, snap.ID)
		}
		return fmt.Errorf("snapshot store: put %q: %w", snap.ID, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("snapshot store: put %q: write: %w", snap.ID, err)
	}
	return f.Close()
}

// Get reads the snapshot with id.
func (s *FileStore) Get(_ context.Context, id string) (*Snapshot, error) {
	data, err := afero.ReadFile(s.fs, s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		return nil, fmt.Errorf("snapshot store: get %q: %w", id, err)
	}
	snap, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: get %q: unmarshal: %w", id, err)
	}
	return snap, nil
}

// List returns every stored snapshot, oldest first. Unreadable files are
// skipped.
func (s *FileStore) List(_ context.Context) ([]*Snapshot, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot store: list: %w", err)
	}
	var out []*Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, entry.Name()))
		if err != nil {
			continue
		}
		snap, err := decode(bytes.TrimSpace(data))
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].TakenAt.Equal(out[j].TakenAt) {
			return out[i].TakenAt.Before(out[j].TakenAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
