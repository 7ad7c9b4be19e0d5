// Package projects reads and writes the Tekton project registry, the JSON
// file mapping project names to the CI that works on them.
package projects

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ckoons/tekton-ci/internal/errors"
)

const (
	// ProjectDir is the directory under .tekton/ holding the registry.
	ProjectDir = "project"
	// RegistryFile is the registry filename.
	RegistryFile = "registry.json"
)

// Project is one registry record. The file is keyed by project name, so
// Name is filled in on load and omitted on disk.
type Project struct {
	Name    string `json:"-"`
	CI      string `json:"ci,omitempty"`
	Port    int    `json:"port,omitempty"`
	Path    string `json:"path,omitempty"`
	Created string `json:"created,omitempty"`
}

// RegistryPath returns the registry file location under root.
func RegistryPath(root string) string {
	return filepath.Join(root, ".tekton", ProjectDir, RegistryFile)
}

// FileStore persists the registry at a fixed path.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store for the registry file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the registry file location.
func (fs *FileStore) Path() string { return fs.path }

// timeNow is a package-level variable for testability.
var timeNow = time.Now

// Load reads the registry. A missing file is an empty registry.
func (fs *FileStore) Load() (map[string]Project, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Project{}, nil
		}
		return nil, errors.Wrap(err, "reading project registry")
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]Project{}, nil
	}

	var raw map[string]Project
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", fs.path)
	}
	out := make(map[string]Project, len(raw))
	for name, p := range raw {
		p.Name = name
		out[name] = p
	}
	return out, nil
}

// Save writes the registry atomically: a temp file in the same directory
// is renamed over the old one, so readers never see a partial file.
func (fs *FileStore) Save(projects map[string]Project) error {
	data, err := json.MarshalIndent(projects, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling project registry")
	}

	dir := filepath.Dir(fs.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating project directory")
	}
	tmp, err := os.CreateTemp(dir, RegistryFile+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "creating temp registry")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing temp registry")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "syncing temp registry")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing temp registry")
	}
	if err := os.Rename(tmpName, fs.path); err != nil {
		return errors.Wrap(err, "replacing project registry")
	}
	return nil
}

// Register adds or replaces a project. The CI name is stored lower-case
// and the original creation time is kept on re-registration.
func (fs *FileStore) Register(p Project) (*Project, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return nil, errors.Invalidf("project name is required")
	}
	if p.Port < 0 || p.Port > 65535 {
		return nil, errors.Invalidf("project %s: port %d out of range", p.Name, p.Port)
	}
	p.CI = strings.ToLower(strings.TrimSpace(p.CI))

	fs.mu.Lock()
	defer fs.mu.Unlock()

	all, err := fs.Load()
	if err != nil {
		return nil, err
	}
	if prev, ok := all[p.Name]; ok && prev.Created != "" {
		p.Created = prev.Created
	}
	if p.Created == "" {
		p.Created = timeNow().UTC().Format(time.RFC3339)
	}
	all[p.Name] = p
	if err := fs.Save(all); err != nil {
		return nil, err
	}
	return &p, nil
}

// Unregister removes a project.
func (fs *FileStore) Unregister(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	all, err := fs.Load()
	if err != nil {
		return err
	}
	if _, ok := all[name]; !ok {
		return errors.NotFoundf("project %q not found", name)
	}
	delete(all, name)
	return fs.Save(all)
}

// List returns projects sorted by name.
func (fs *FileStore) List() ([]Project, error) {
	all, err := fs.Load()
	if err != nil {
		return nil, err
	}
	out := make([]Project, 0, len(all))
	for _, p := range all {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
