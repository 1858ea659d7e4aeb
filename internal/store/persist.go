package store

import (
	"fmt"
	"os"
)

// FilePersister implements Persister by reading/writing the store's
// whole snapshot as one file, named by the configured path
// (config.StoreConfig.PersistPath).
type FilePersister struct {
	path string
}

// NewFilePersister builds a FilePersister writing to path. An empty path
// is rejected by the caller (config.StoreConfig.PersistPath's zero value
// means "no persistence"; internal/engine only constructs a FilePersister
// when PersistPath is set).
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Persist overwrites the snapshot file atomically (write to a temp file,
// then rename) so a crash mid-write never leaves a truncated snapshot.
func (p *FilePersister) Persist(snapshot []byte) error {
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, snapshot, 0o600); err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("store: rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot file, returning an empty slice (not an error)
// when it doesn't exist yet -- matching Store.loadFromPersister's "len(data)
// == 0 is a no-op" contract for a fresh deployment.
func (p *FilePersister) Load() ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read snapshot: %w", err)
	}
	return data, nil
}
