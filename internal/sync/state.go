package sync

import (
	"encoding/json"
	"errors"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/schaermu/gitsyncd/internal/reconcile"
)

// State records the outcome of the last applied run
type State struct {
	Commit   string                 `json:"commit"`
	SyncedAt time.Time              `json:"synced_at"`
	Targets  map[string]TargetState `json:"targets"`
}

// TargetState is the last applied run of one target
type TargetState struct {
	Kind      string                      `json:"kind"`
	Tenant    string                      `json:"tenant"`
	Namespace string                      `json:"namespace"`
	Commit    string                      `json:"commit"`
	DiffURI   string                      `json:"diff_uri"`
	Counts    map[reconcile.SyncState]int `json:"counts"`
}

func newState() *State {
	return &State{Targets: make(map[string]TargetState)}
}

// LoadState reads the state file, a missing file is an empty state
func LoadState(fsys afero.Fs, path string) (*State, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newState(), nil
		}
		return nil, err
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Targets == nil {
		state.Targets = make(map[string]TargetState)
	}

	return &state, nil
}

// saveState persists the state through a temp file in the same directory
func saveState(fsys afero.Fs, path string, state *State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := afero.TempFile(fsys, filepath.Dir(path), ".state-*.json")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = fsys.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return fsys.Rename(tmpPath, path)
}
