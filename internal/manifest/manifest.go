// Package manifest defines the static declaration an extension ships with:
// its identity, version, the capabilities it imports from the host, and the
// interfaces it exports back. Manifests are immutable once loaded.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/blang/semver/v4"
)

// ManifestFile is the file name looked up inside an extension directory.
const ManifestFile = "extension.json"

// DefaultEntry is the entry script used when the manifest omits one.
const DefaultEntry = "init.lua"

// Well-known interface names an extension can export.
const (
	ExportExtension      = "extension"       // activate/deactivate entry points
	ExportCommandHandler = "command-handler" // handle_command entry point
)

// Import declares one capability the extension wants from the host,
// together with the interface version range it was built against.
type Import struct {
	Capability string `json:"capability"` // e.g. "logging", "notifications"
	Version    string `json:"version"`    // semver requirement, e.g. "1.0.0" or ">=1.2.0 <2.0.0"
}

// Manifest describes an extension's identity and requirements.
type Manifest struct {
	// Identity
	Name        string `json:"name"`        // Unique identifier (e.g. "hello-world")
	Version     string `json:"version"`     // Semver (e.g. "1.2.0")
	DisplayName string `json:"displayName"` // Human-readable name
	Description string `json:"description"` // Short description
	Publisher   string `json:"publisher"`   // Author name or org
	License     string `json:"license"`     // SPDX license identifier
	Homepage    string `json:"homepage"`    // URL to extension homepage

	// Entry point
	Entry string `json:"entry"` // Relative path to main Lua file (default: "init.lua")

	// Capability surface
	Imports []Import `json:"imports"` // Host interfaces the extension may call
	Exports []string `json:"exports"` // Interfaces the extension implements

	// Internal: path to the extension directory
	dir string
}

// Validation errors.
var (
	ErrMissingName      = errors.New("manifest: name is required")
	ErrInvalidName      = errors.New("manifest: name must be alphanumeric with hyphens")
	ErrMissingVersion   = errors.New("manifest: version is required")
	ErrInvalidVersion   = errors.New("manifest: version must be valid semver")
	ErrInvalidEntry     = errors.New("manifest: entry must be a .lua file")
	ErrMissingImport    = errors.New("manifest: import capability name is required")
	ErrDuplicateImport  = errors.New("manifest: duplicate import")
	ErrUnknownExport    = errors.New("manifest: unknown export")
	ErrMissingManifest  = errors.New("manifest: extension.json not found")
	ErrManifestNotValid = errors.New("manifest: invalid manifest")
)

// namePattern validates extension names.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$|^[a-z]$`)

// validExports are the interface names an extension may export.
var validExports = map[string]bool{
	ExportExtension:      true,
	ExportCommandHandler: true,
}

// Load reads and validates a manifest from a file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrMissingManifest, path)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	m.dir = filepath.Dir(path)
	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// LoadDir loads a manifest from an extension directory.
func LoadDir(dir string) (*Manifest, error) {
	return Load(filepath.Join(dir, ManifestFile))
}

// applyDefaults sets default values for optional fields.
func (m *Manifest) applyDefaults() {
	if m.Entry == "" {
		m.Entry = DefaultEntry
	}
	if m.Version == "" {
		m.Version = "0.0.0"
	}
	if len(m.Exports) == 0 {
		m.Exports = []string{ExportExtension}
	}
}

// Validate checks that the manifest is well formed.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return ErrMissingName
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("%w: %s", ErrInvalidName, m.Name)
	}

	if m.Version == "" {
		return ErrMissingVersion
	}
	if _, err := semver.Parse(m.Version); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidVersion, m.Version)
	}

	if m.Entry != "" && filepath.Ext(m.Entry) != ".lua" {
		return fmt.Errorf("%w: %s", ErrInvalidEntry, m.Entry)
	}

	seen := make(map[string]bool, len(m.Imports))
	for i, imp := range m.Imports {
		if imp.Capability == "" {
			return fmt.Errorf("%w at index %d", ErrMissingImport, i)
		}
		if seen[imp.Capability] {
			return fmt.Errorf("%w: %s", ErrDuplicateImport, imp.Capability)
		}
		seen[imp.Capability] = true
	}

	for _, exp := range m.Exports {
		if !validExports[exp] {
			return fmt.Errorf("%w: %s", ErrUnknownExport, exp)
		}
	}

	return nil
}

// Dir returns the path to the extension directory.
func (m *Manifest) Dir() string {
	return m.dir
}

// EntryPath returns the full path to the entry Lua file.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.dir, m.Entry)
}

// ImportsCapability returns true if the manifest imports the named capability.
func (m *Manifest) ImportsCapability(name string) bool {
	for _, imp := range m.Imports {
		if imp.Capability == name {
			return true
		}
	}
	return false
}

// ExportsInterface returns true if the manifest exports the named interface.
func (m *Manifest) ExportsInterface(name string) bool {
	for _, exp := range m.Exports {
		if exp == name {
			return true
		}
	}
	return false
}

// String returns a short description of the manifest.
func (m *Manifest) String() string {
	display := m.DisplayName
	if display == "" {
		display = m.Name
	}
	return fmt.Sprintf("%s v%s", display, m.Version)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m

	if m.Imports != nil {
		clone.Imports = make([]Import, len(m.Imports))
		copy(clone.Imports, m.Imports)
	}
	if m.Exports != nil {
		clone.Exports = make([]string, len(m.Exports))
		copy(clone.Exports, m.Exports)
	}

	return &clone
}
