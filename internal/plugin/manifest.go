package plugin

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/dshills/axon/internal/plugin/security"
)

// Manifest describes a plugin's identity, entrypoint, and requested permissions.
type Manifest struct {
	Name        string `yaml:"name" toml:"name" json:"name"`
	Version     string `yaml:"version" toml:"version" json:"version"`
	Description string `yaml:"description" toml:"description" json:"description"`

	// Entrypoint is "<module>:<Name>", resolved through a Registry.
	Entrypoint string `yaml:"entrypoint" toml:"entrypoint" json:"entrypoint"`

	// Permissions requested by the plugin. After Manager.Discover this is
	// the granted set.
	Permissions []security.Permission `yaml:"permissions,omitempty" toml:"permissions,omitempty" json:"permissions,omitempty"`

	// ConfigSchema maps config field names to primitive types.
	ConfigSchema map[string]ConfigType `yaml:"config_schema,omitempty" toml:"config_schema,omitempty" json:"config_schema,omitempty"`

	// Internal: path to the manifest file
	path string
}

// ConfigType is a primitive type tag used in config_schema.
type ConfigType string

// Config field types.
const (
	ConfigInt   ConfigType = "int"
	ConfigStr   ConfigType = "str"
	ConfigBool  ConfigType = "bool"
	ConfigFloat ConfigType = "float"
)

// IsValid returns true if t is a known type tag.
func (t ConfigType) IsValid() bool {
	switch t {
	case ConfigInt, ConfigStr, ConfigBool, ConfigFloat:
		return true
	}
	return false
}

// Format is a manifest serialization format.
type Format string

// Supported manifest formats.
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// manifestExts maps file extensions to formats.
var manifestExts = map[string]Format{
	".yaml": FormatYAML,
	".yml":  FormatYAML,
	".toml": FormatTOML,
}

// FormatFromPath selects a manifest format by file extension.
func FormatFromPath(path string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if f, ok := manifestExts[ext]; ok {
		return f, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedManifestFormat, filepath.Base(path))
}

// Validation errors. Each is reported wrapped in ErrManifestInvalid.
var (
	ErrMissingName        = errors.New("name is required")
	ErrInvalidName        = errors.New("name must be lowercase letters, digits, '-' or '_'")
	ErrMissingVersion     = errors.New("version is required")
	ErrMissingDescription = errors.New("description is required")
	ErrMissingEntrypoint  = errors.New("entrypoint is required")
	ErrInvalidEntrypoint  = errors.New("entrypoint must be <module>:<Name>")
	ErrUnknownPermission  = errors.New("unknown permission")
	ErrInvalidConfigType  = errors.New("invalid config_schema type")
)

// namePattern validates plugin names.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// LoadManifest loads and validates a plugin manifest from a file.
// The format is selected by extension.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, path)
		}
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	m, err := ParseManifest(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	m.path = abs
	return m, nil
}

// ParseManifest decodes and validates manifest data.
func ParseManifest(data []byte, format Format) (*Manifest, error) {
	var m Manifest

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrManifestInvalid, err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrManifestInvalid, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedManifestFormat, format)
	}

	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, &ManifestError{Name: m.Name, Err: err}
	}
	return &m, nil
}

// applyDefaults normalizes optional fields.
func (m *Manifest) applyDefaults() {
	m.Name = strings.TrimSpace(m.Name)
	m.Entrypoint = strings.TrimSpace(m.Entrypoint)

	// Permissions are a set; keep the first occurrence of each.
	if len(m.Permissions) > 1 {
		seen := make(map[security.Permission]bool, len(m.Permissions))
		uniq := m.Permissions[:0]
		for _, p := range m.Permissions {
			if !seen[p] {
				seen[p] = true
				uniq = append(uniq, p)
			}
		}
		m.Permissions = uniq
	}
}

// Validate checks that the manifest is valid.
// Errors match both ErrManifestInvalid and the specific field error.
func (m *Manifest) Validate() error {
	invalid := func(err error, detail string) error {
		if detail == "" {
			return fmt.Errorf("%w: %w", ErrManifestInvalid, err)
		}
		return fmt.Errorf("%w: %w: %s", ErrManifestInvalid, err, detail)
	}

	if m.Name == "" {
		return invalid(ErrMissingName, "")
	}
	if !namePattern.MatchString(m.Name) {
		return invalid(ErrInvalidName, m.Name)
	}
	if m.Version == "" {
		return invalid(ErrMissingVersion, "")
	}
	if m.Description == "" {
		return invalid(ErrMissingDescription, "")
	}
	if m.Entrypoint == "" {
		return invalid(ErrMissingEntrypoint, "")
	}
	if _, _, err := SplitEntrypoint(m.Entrypoint); err != nil {
		return invalid(ErrInvalidEntrypoint, m.Entrypoint)
	}

	for _, p := range m.Permissions {
		if !p.IsValid() {
			return invalid(ErrUnknownPermission, string(p))
		}
	}

	for field, typ := range m.ConfigSchema {
		if field == "" || !typ.IsValid() {
			return invalid(ErrInvalidConfigType, fmt.Sprintf("%s.%s has type %q", m.Name, field, typ))
		}
	}

	return nil
}

// SplitEntrypoint splits "<module>:<Name>" into its parts.
func SplitEntrypoint(entrypoint string) (module, name string, err error) {
	module, name, ok := strings.Cut(entrypoint, ":")
	if !ok || module == "" || name == "" || strings.Contains(name, ":") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidEntrypoint, entrypoint)
	}
	return module, name, nil
}

// Marshal serializes the manifest in the given format.
func (m *Manifest) Marshal(format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(m); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case FormatTOML:
		return toml.Marshal(m)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedManifestFormat, format)
	}
}

// Path returns the manifest file path, empty for parsed manifests.
func (m *Manifest) Path() string {
	return m.path
}

// Dir returns the directory holding the manifest.
// Relative entrypoint files are resolved against it.
func (m *Manifest) Dir() string {
	if m.path == "" {
		return ""
	}
	return filepath.Dir(m.path)
}

// HasPermission returns true if the manifest lists perm.
func (m *Manifest) HasPermission(perm security.Permission) bool {
	return slices.Contains(m.Permissions, perm)
}

// PermissionSet returns the listed permissions as a set.
func (m *Manifest) PermissionSet() security.Set {
	return security.NewSet(m.Permissions...)
}

// StripPermissions removes every permission in deny and returns the
// removed ones. It is called once, before instantiation.
func (m *Manifest) StripPermissions(deny security.Set) []security.Permission {
	kept, removed := security.Strip(m.Permissions, deny)
	if len(removed) > 0 {
		m.Permissions = kept
	}
	return removed
}

// String returns a string representation of the manifest.
func (m *Manifest) String() string {
	return fmt.Sprintf("%s v%s", m.Name, m.Version)
}

// Clone creates a deep copy of the manifest.
func (m *Manifest) Clone() *Manifest {
	clone := *m

	if m.Permissions != nil {
		clone.Permissions = slices.Clone(m.Permissions)
	}

	if m.ConfigSchema != nil {
		clone.ConfigSchema = make(map[string]ConfigType, len(m.ConfigSchema))
		for k, v := range m.ConfigSchema {
			clone.ConfigSchema[k] = v
		}
	}

	return &clone
}
