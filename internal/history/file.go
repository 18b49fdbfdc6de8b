package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrSessionNotFound reports that no saved session matches the requested ID.
var ErrSessionNotFound = errors.New("history: session not found")

// FileRepository stores one JSON file per session under a root directory.
// It is the default repository when no database is configured.
type FileRepository struct {
	dir string
}

// NewFileRepository creates the root directory if needed and returns a
// repository writing into it.
func NewFileRepository(dir string) (*FileRepository, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create dir %q: %w", dir, err)
	}
	return &FileRepository{dir: dir}, nil
}

// Save implements [Repository]. The file is written atomically via a rename
// so a crash never leaves a truncated record.
func (r *FileRepository) Save(_ context.Context, s Session) error {
	if !validSessionID(s.ID) {
		return fmt.Errorf("history: invalid session id %q", s.ID)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("history: marshal session %s: %w", s.ID, err)
	}

	final := filepath.Join(r.dir, s.ID+".json")
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("history: write session %s: %w", s.ID, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("history: rename session %s: %w", s.ID, err)
	}
	return nil
}

// Get implements [Repository].
func (r *FileRepository) Get(_ context.Context, id string) (Session, error) {
	if !validSessionID(id) {
		return Session{}, fmt.Errorf("history: %q: %w", id, ErrSessionNotFound)
	}

	data, err := os.ReadFile(filepath.Join(r.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Session{}, fmt.Errorf("history: %q: %w", id, ErrSessionNotFound)
		}
		return Session{}, fmt.Errorf("history: read session %s: %w", id, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("history: decode session %s: %w", id, err)
	}
	return s, nil
}

func validSessionID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/\\.")
}
