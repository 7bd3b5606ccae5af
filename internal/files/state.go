package files

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
)

// trackingDir holds per-scope tracking state inside the store root
const trackingDir = ".gitsyncd"

// Tracking records which files of a scope were written by gitsyncd
type Tracking struct {
	Files map[string]TrackedFile `json:"files"`
}

// TrackedFile is a file under management
type TrackedFile struct {
	Digest digest.Digest `json:"digest"` // content digest at last write
}

func newTracking() *Tracking {
	return &Tracking{Files: make(map[string]TrackedFile)}
}

// loadTracking reads the tracking file, a missing file is an empty state
func loadTracking(fsys afero.Fs, path string) (*Tracking, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newTracking(), nil
		}
		return nil, err
	}

	var t Tracking
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse tracking state %s: %w", path, err)
	}
	if t.Files == nil {
		t.Files = make(map[string]TrackedFile)
	}
	return &t, nil
}

// saveTracking persists the tracking state
func saveTracking(fsys afero.Fs, path string, t *Tracking) error {
	if err := fsys.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}

	return afero.WriteFile(fsys, path, data, 0644)
}
