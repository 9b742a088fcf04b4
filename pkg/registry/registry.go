// Package registry provides the static lookup of runnable projects.
// The registry file is maintained by an administrative process; the
// orchestration core only reads it.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"legba/pkg/logx"
)

// ErrProjectNotFound indicates the project ID is not registered.
var ErrProjectNotFound = errors.New("project not found")

// Project is a registered, potentially runnable repository.
type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	RepoURL         string    `json:"repoUrl"`
	DefaultBranch   string    `json:"defaultBranch"`
	InstallationRef string    `json:"installationRef"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// File is the on-disk registry shape.
type File struct {
	Version  int       `json:"version"`
	Projects []Project `json:"projects"`
}

// Registry holds the loaded project set and reloads it when the file
// changes on disk.
type Registry struct {
	path   string
	logger *logx.Logger

	mu       sync.RWMutex
	projects map[string]Project
	version  int
}

// Load reads the registry file and builds the lookup.
func Load(path string) (*Registry, error) {
	r := &Registry{
		path:     path,
		logger:   logx.NewLogger("registry"),
		projects: make(map[string]Project),
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) reload() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("failed to read registry file: %w", err)
	}

	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse registry file: %w", err)
	}

	projects := make(map[string]Project, len(file.Projects))
	for i := range file.Projects {
		p := file.Projects[i]
		if p.ID == "" {
			return fmt.Errorf("registry entry %d has empty id", i)
		}
		if _, dup := projects[p.ID]; dup {
			return fmt.Errorf("duplicate project id %q in registry", p.ID)
		}
		projects[p.ID] = p
	}

	r.mu.Lock()
	r.projects = projects
	r.version = file.Version
	r.mu.Unlock()

	r.logger.Info("Loaded %d projects (version %d) from %s", len(projects), file.Version, r.path)
	return nil
}

// Watch reloads the registry whenever the file changes, until ctx is done.
// A broken edit keeps the last good project set.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create registry watcher: %w", err)
	}

	// Watch the directory, not the file: editors replace files on save.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch registry directory: %w", err)
	}

	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(r.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := r.reload(); err != nil {
					r.logger.Warn("Registry reload failed, keeping previous set: %v", err)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("Registry watcher error: %v", err)
			}
		}
	}()
	return nil
}

// Get returns the project for id.
func (r *Registry) Get(id string) (Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[id]
	if !ok {
		return Project{}, fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	return p, nil
}

// Enabled reports whether the project exists and is enabled. Used by the
// queue's dequeue-time eligibility re-check.
func (r *Registry) Enabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.projects[id]
	return ok && p.Enabled
}

// List returns all registered projects ordered by ID.
func (r *Registry) List() []Project {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Project, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Version returns the registry file version.
func (r *Registry) Version() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}
