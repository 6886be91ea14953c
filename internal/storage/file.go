package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"BatchSettle/internal/custody"
	"BatchSettle/internal/ledger"
)

// FileStore writes the snapshot as a single JSON document.
type FileStore struct {
	Path string
	opts options
}

// fileState keeps the snapshot fields at the top level so files written
// without custody still decode.
type fileState struct {
	ledger.Snapshot
	Custody *custody.State `json:"custody,omitempty"`
}

func NewFileStore(path string, opts ...Option) *FileStore {
	return &FileStore{Path: path, opts: buildOptions(opts)}
}

func (f *FileStore) read() (*fileState, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var st fileState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decode %s: %w", f.Path, err)
	}
	return &st, nil
}

// Load reads the snapshot. Returns nil if the file doesn't exist.
func (f *FileStore) Load(_ context.Context) (*ledger.Snapshot, error) {
	st, err := f.read()
	if err != nil || st == nil {
		return nil, err
	}
	return &st.Snapshot, nil
}

// LoadCustody returns nil if the file doesn't exist or predates custody.
func (f *FileStore) LoadCustody(_ context.Context) (*custody.State, error) {
	st, err := f.read()
	if err != nil || st == nil {
		return nil, err
	}
	return st.Custody, nil
}

// Save replaces the file through a rename so readers never see a partial write.
func (f *FileStore) Save(_ context.Context, snap *ledger.Snapshot) error {
	st := fileState{Snapshot: *snap}
	if f.opts.custody != nil {
		c := f.opts.custody.Export()
		st.Custody = &c
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(f.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, f.Path)
}
