package manifest

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Loader discovers extensions on the filesystem. Safe for concurrent use.
type Loader struct {
	mu sync.Mutex

	// Search paths for extensions (checked in order)
	paths []string

	// Discovered extensions cache, guarded by mu
	discovered map[string]*ExtensionInfo
}

// ExtensionInfo contains discovery information about an extension.
type ExtensionInfo struct {
	Name     string
	Dir      string
	Manifest *Manifest
	Err      error // non-nil when the manifest failed to load
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPaths sets the extension search paths.
func WithPaths(paths ...string) LoaderOption {
	return func(l *Loader) {
		l.paths = paths
	}
}

// NewLoader creates a new extension loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		paths:      DefaultSearchPaths(),
		discovered: make(map[string]*ExtensionInfo),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// DefaultSearchPaths returns the default extension search paths.
func DefaultSearchPaths() []string {
	paths := make([]string, 0, 2)

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "exthost", "extensions"))
	}

	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".exthost", "extensions"))
	}

	return paths
}

// Paths returns the configured search paths.
func (l *Loader) Paths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, len(l.paths))
	copy(out, l.paths)
	return out
}

// AddPath adds a search path.
func (l *Loader) AddPath(path string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.paths = append(l.paths, path)
}

// Discover finds all extensions in the search paths.
// Returns extensions sorted by name. Directories with a broken manifest are
// included with Err set so callers can report them.
func (l *Loader) Discover() ([]*ExtensionInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.discover()
}

// discover rebuilds the cache. Callers must hold mu.
func (l *Loader) discover() ([]*ExtensionInfo, error) {
	l.discovered = make(map[string]*ExtensionInfo)

	for _, basePath := range l.paths {
		if err := l.discoverInPath(basePath); err != nil {
			// Missing paths are not errors
			continue
		}
	}

	infos := make([]*ExtensionInfo, 0, len(l.discovered))
	for _, info := range l.discovered {
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})

	return infos, nil
}

// discoverInPath finds extensions in a single directory. Callers must
// hold mu.
func (l *Loader) discoverInPath(basePath string) error {
	entries, err := os.ReadDir(basePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(basePath, entry.Name())
		name := entry.Name()

		// Earlier search paths win
		if _, exists := l.discovered[name]; exists {
			continue
		}

		m, err := LoadDir(dir)
		info := &ExtensionInfo{Name: name, Dir: dir}
		if err != nil {
			info.Err = err
		} else {
			info.Name = m.Name
			info.Manifest = m
		}
		l.discovered[info.Name] = info
	}

	return nil
}

// Find returns a discovered extension by name, refreshing discovery if the
// name is unknown.
func (l *Loader) Find(name string) (*ExtensionInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if info, ok := l.discovered[name]; ok {
		return info, true
	}
	if _, err := l.discover(); err != nil {
		return nil, false
	}
	info, ok := l.discovered[name]
	return info, ok
}

// Refresh re-runs discovery and returns the result.
func (l *Loader) Refresh() ([]*ExtensionInfo, error) {
	return l.Discover()
}
