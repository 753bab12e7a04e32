package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Candidate is one plugin found on a search path. Err is set when the
// manifest is missing, unreadable or invalid; Manifest is set otherwise.
type Candidate struct {
	// Name comes from the manifest when it parses, even if it then fails
	// validation, and from the directory or file stem otherwise.
	Name         string
	Dir          string
	ManifestPath string
	Manifest     *Manifest
	Err          error
}

// DefaultPluginPaths returns ~/.config/axon/plugins and ./plugins.
func DefaultPluginPaths() []string {
	var paths []string
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "axon", "plugins"))
	}
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, "plugins"))
	}
	return paths
}

// Scan lists the plugin candidates under each search path.
//
// A search path may hold plugin directories (<dir>/plugin.{yaml,yml,toml})
// and flat manifests (<name>.yaml). A Lua script with no manifest beside it
// is reported as a candidate with ErrManifestNotFound. Entries starting
// with "." or "_" are skipped. Candidates come out in search path order,
// then by entry name, so when two share a name the later one belongs to
// the later path. Missing search paths are ignored; other unreadable paths
// are joined into the returned error.
func Scan(paths ...string) ([]Candidate, error) {
	var (
		found []Candidate
		errs  []error
	)
	for _, root := range paths {
		entries, err := os.ReadDir(root)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("reading plugin path %s: %w", root, err))
			continue
		}
		for _, entry := range entries {
			if c, ok := scanEntry(root, entry); ok {
				found = append(found, c)
			}
		}
	}
	return found, errors.Join(errs...)
}

func scanEntry(root string, entry fs.DirEntry) (Candidate, bool) {
	name := entry.Name()
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_") {
		return Candidate{}, false
	}
	if entry.IsDir() {
		dir := filepath.Join(root, name)
		c := Candidate{Name: name, Dir: dir}
		c.ManifestPath, c.Err = dirManifest(dir)
		return c.load(), true
	}

	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	ext = strings.ToLower(ext)

	if _, ok := manifestExts[ext]; ok {
		c := Candidate{Name: stem, Dir: root, ManifestPath: filepath.Join(root, name)}
		return c.load(), true
	}
	if ext != ".lua" || hasManifest(root, stem) {
		return Candidate{}, false
	}
	return Candidate{
		Name: stem,
		Dir:  root,
		Err:  fmt.Errorf("%w: for script %s", ErrManifestNotFound, filepath.Join(root, name)),
	}, true
}

// load reads c.ManifestPath unless an earlier step already failed.
func (c Candidate) load() Candidate {
	if c.Err != nil {
		return c
	}
	m, err := LoadManifest(c.ManifestPath)
	if err != nil {
		c.Err = err
		var merr *ManifestError
		if errors.As(err, &merr) && namePattern.MatchString(merr.Name) {
			c.Name = merr.Name
		}
		return c
	}
	c.Manifest = m
	c.Name = m.Name
	return c
}

// hasManifest reports whether root holds <stem>.{yaml,yml,toml}.
func hasManifest(root, stem string) bool {
	for ext := range manifestExts {
		if _, err := os.Stat(filepath.Join(root, stem+ext)); err == nil {
			return true
		}
	}
	return false
}

// dirManifest finds the manifest of a plugin directory. YAML is preferred
// over TOML when both exist.
func dirManifest(dir string) (string, error) {
	for _, ext := range []string{".yaml", ".yml", ".toml"} {
		path := filepath.Join(dir, "plugin"+ext)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	if others, _ := filepath.Glob(filepath.Join(dir, "plugin.*")); len(others) > 0 {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedManifestFormat, slices.Min(others))
	}
	return "", fmt.Errorf("%w: in %s", ErrManifestNotFound, dir)
}
