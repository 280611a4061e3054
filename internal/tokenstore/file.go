package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// File keeps all values in one JSON document, keyed by profile, so several
// deployments can share a state file without seeing each other's tokens.
type File struct {
	mu      sync.Mutex
	fs      afero.Fs
	path    string
	profile string
}

type stateFile struct {
	Profiles map[string]map[string]string `json:"profiles"`
}

// NewFile returns a backend stored at path on fs under profile.
func NewFile(fs afero.Fs, path, profile string) *File {
	if profile == "" {
		profile = "default"
	}
	return &File{fs: fs, path: path, profile: profile}
}

// DefaultPath is the state file location under the user's config directory.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "tenantgate", "session.json"), nil
}

func (f *File) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sf, err := f.load()
	if err != nil {
		return "", false, err
	}
	v, ok := sf.Profiles[f.profile][key]
	return v, ok, nil
}

func (f *File) Write(_ context.Context, put map[string]string, remove ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sf, err := f.load()
	if err != nil {
		return err
	}
	p := sf.Profiles[f.profile]
	if p == nil {
		if len(put) == 0 {
			return nil
		}
		p = map[string]string{}
		sf.Profiles[f.profile] = p
	}
	for _, k := range remove {
		delete(p, k)
	}
	for k, v := range put {
		p[k] = v
	}
	if len(p) == 0 {
		delete(sf.Profiles, f.profile)
	}
	return f.save(sf)
}

func (f *File) load() (*stateFile, error) {
	b, err := afero.ReadFile(f.fs, f.path)
	if errors.Is(err, os.ErrNotExist) {
		return &stateFile{Profiles: map[string]map[string]string{}}, nil
	}
	if err != nil {
		return nil, err
	}
	var sf stateFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, f.path, err)
	}
	if sf.Profiles == nil {
		sf.Profiles = map[string]map[string]string{}
	}
	return &sf, nil
}

// save writes through a temp file and rename so a crash never leaves a
// half-written state file behind.
func (f *File) save(sf *stateFile) error {
	if err := f.fs.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, b, 0o600); err != nil {
		return err
	}
	return f.fs.Rename(tmp, f.path)
}
