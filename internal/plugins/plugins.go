// Package plugins provides the built-in plugins and their manifests.
//
// Built-ins are ordinary plugins: they are registered by entrypoint in a
// plugin.Registry and receive permissions only through their manifests.
package plugins

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/dshills/axon/internal/plugin"
)

//go:embed manifests/*.yaml
var manifestFS embed.FS

// Entrypoints of the built-in plugins.
const (
	EchoEntrypoint       = "echo:EchoPlugin"
	FileWriterEntrypoint = "file_writer:FileWriterPlugin"
	FileReaderEntrypoint = "file_reader:FileReaderPlugin"
	SystemInfoEntrypoint = "system_info:SystemInfoPlugin"
	ClipboardEntrypoint  = "clipboard_monitor:ClipboardMonitorPlugin"
	ShellEntrypoint      = "shell:ShellPlugin"
)

// factories maps every built-in entrypoint to its constructor.
var factories = map[string]plugin.Factory{
	EchoEntrypoint:       NewEcho,
	FileWriterEntrypoint: NewFileWriter,
	FileReaderEntrypoint: NewFileReader,
	SystemInfoEntrypoint: NewSystemInfo,
	ClipboardEntrypoint:  NewClipboardMonitor,
	ShellEntrypoint:      NewShell,
}

// RegisterAll registers every built-in entrypoint in reg.
func RegisterAll(reg *plugin.Registry) error {
	entrypoints := make([]string, 0, len(factories))
	for ep := range factories {
		entrypoints = append(entrypoints, ep)
	}
	sort.Strings(entrypoints)

	for _, ep := range entrypoints {
		if err := reg.Register(ep, factories[ep]); err != nil {
			return err
		}
	}
	return nil
}

// Manifests returns the manifests of the built-in plugins, sorted by name.
func Manifests() ([]*plugin.Manifest, error) {
	entries, err := fs.ReadDir(manifestFS, "manifests")
	if err != nil {
		return nil, err
	}

	manifests := make([]*plugin.Manifest, 0, len(entries))
	for _, e := range entries {
		data, err := manifestFS.ReadFile(path.Join("manifests", e.Name()))
		if err != nil {
			return nil, err
		}
		m, err := plugin.ParseManifest(data, plugin.FormatYAML)
		if err != nil {
			return nil, fmt.Errorf("built-in manifest %s: %w", e.Name(), err)
		}
		manifests = append(manifests, m)
	}

	sort.Slice(manifests, func(i, j int) bool {
		return manifests[i].Name < manifests[j].Name
	})
	return manifests, nil
}
