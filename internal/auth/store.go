package auth

import (
	"encoding/json"
	"os"
	"path/filepath"

	"syncbridge/internal/syncerr"
)

// FileStore persists token state as JSON beside the remote's config
// document. Writes go through a temp file and rename so a crash mid-write
// never truncates the stored credentials.
type FileStore struct {
	Path string
}

// Save writes the state atomically.
func (f FileStore) Save(state TokenState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "auth.store", err)
	}

	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, ".tokens-*")
	if err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "auth.store", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return syncerr.Wrap(syncerr.KindInternal, "auth.store", err)
	}
	if err := tmp.Close(); err != nil {
		return syncerr.Wrap(syncerr.KindInternal, "auth.store", err)
	}
	return syncerr.Wrap(syncerr.KindInternal, "auth.store", os.Rename(tmp.Name(), f.Path))
}

// Load reads previously persisted state. A missing file is not an error;
// the zero state forces a refresh on first use.
func (f FileStore) Load() (TokenState, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return TokenState{}, nil
	}
	if err != nil {
		return TokenState{}, syncerr.Wrap(syncerr.KindConfigInvalid, "auth.store", err)
	}
	var state TokenState
	if err := json.Unmarshal(data, &state); err != nil {
		return TokenState{}, syncerr.Wrap(syncerr.KindConfigInvalid, "auth.store", err)
	}
	return state, nil
}
