package loader

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultEnvPrefix prefixes every axon environment variable.
const DefaultEnvPrefix = "AXON_"

// PathSeparator separates nested keys in a variable name.
const PathSeparator = "__"

// EnvLoader turns environment variables into a configuration map.
//
// A prefixed variable names a section and a setting:
// AXON_PLUGINS_DRY_RUN sets plugins.dry_run. Double underscores separate
// every level instead, for deeper keys:
// AXON_PLUGINS__CONFIG__FILE_READER__MAX_BYTES sets
// plugins.config.file_reader.max_bytes. Aliases map whole variable names
// to paths and need no prefix.
type EnvLoader struct {
	prefix  string
	aliases map[string]string
	environ func() []string
}

// EnvOption configures an EnvLoader.
type EnvOption func(*EnvLoader)

// WithAlias maps the variable name to a dotted config path.
func WithAlias(name, path string) EnvOption {
	return func(l *EnvLoader) {
		l.aliases[name] = path
	}
}

// WithEnviron replaces os.Environ as the variable source.
func WithEnviron(environ func() []string) EnvOption {
	return func(l *EnvLoader) {
		l.environ = environ
	}
}

// NewEnvLoader creates a loader for variables starting with prefix. The
// standard aliases are installed before opts run.
func NewEnvLoader(prefix string, opts ...EnvOption) *EnvLoader {
	l := &EnvLoader{
		prefix: prefix,
		aliases: map[string]string{
			"LOG_REDACT_SECRETS": "trace.redact_secrets",
		},
		environ: os.Environ,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads the environment. Empty values are kept as empty strings,
// not treated as unset.
func (l *EnvLoader) Load() (map[string]any, error) {
	config := make(map[string]any)
	for _, kv := range l.environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		path, ok := l.aliases[name]
		if !ok {
			path = l.path(name)
		}
		if path != "" {
			setByPath(config, path, parseValue(value))
		}
	}
	return config, nil
}

// path returns the config path for a prefixed variable, or "" when the
// variable is not ours or names no setting.
func (l *EnvLoader) path(name string) string {
	if l.prefix == "" || !strings.HasPrefix(name, l.prefix) {
		return ""
	}
	rest := strings.ToLower(strings.TrimPrefix(name, l.prefix))

	var parts []string
	if strings.Contains(rest, PathSeparator) {
		parts = strings.Split(rest, PathSeparator)
	} else {
		section, setting, ok := strings.Cut(rest, "_")
		if !ok {
			return ""
		}
		parts = []string{section, setting}
	}
	for _, p := range parts {
		if p == "" {
			return ""
		}
	}
	return strings.Join(parts, ".")
}

// parseValue types a raw variable value. Integers are tried before
// booleans' numeric forms so "1" stays a number; the config decoder
// accepts 0 and 1 where it wants a boolean.
func parseValue(s string) any {
	switch strings.ToLower(s) {
	case "":
		return s
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if strings.ContainsRune(s, '.') {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if s[0] == '[' || s[0] == '{' {
		var v any
		if json.Unmarshal([]byte(s), &v) == nil {
			return v
		}
	}
	return s
}
