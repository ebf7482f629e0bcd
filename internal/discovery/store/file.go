package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	v1 "github.com/a2amesh/a2amesh/pkg/a2a/v1"
)

// registryDocument is the on-disk shape of the registry file.
type registryDocument struct {
	Agents      []*v1.AgentRecord `json:"agents"`
	LastUpdated time.Time         `json:"last_updated"`
}

// FileStore persists the registry as one JSON file, replaced atomically
// on every save.
type FileStore struct {
	path string
}

// NewFileStore creates a file store at the given path. The file is
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the registry file. A missing file yields an empty registry.
func (s *FileStore) Load(_ context.Context) ([]*v1.AgentRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var doc registryDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse registry file: %w", err)
	}
	return doc.Agents, nil
}

// Save rewrites the registry file via a temp file and rename so readers
// never see a partial write.
func (s *FileStore) Save(_ context.Context, records []*v1.AgentRecord) error {
	doc := registryDocument{
		Agents:      records,
		LastUpdated: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize registry: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create registry directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write registry file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace registry file: %w", err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() {}
