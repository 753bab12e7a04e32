package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/dshills/axon/internal/app"
	"github.com/dshills/axon/internal/config"
)

// globalFlags holds the persistent flags shared by every command.
type globalFlags struct {
	opts app.Options
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "axon",
		Short: "Load, inspect and run sandboxed agent plugins",
		Long: `axon discovers plugins from manifest files, grants them the permissions
they request minus the configured deny-list, and runs them with timeouts,
retries and run tracing.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.opts.ConfigPath, "config", "c", config.DefaultFileName, "path to configuration file")
	pf.StringVar(&flags.opts.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&flags.opts.LogFormat, "log-format", "", "log format (text, json)")
	pf.BoolVar(&flags.opts.DryRun, "dry-run", false, "plugins report side effects instead of performing them")
	pf.StringSliceVar(&flags.opts.Deny, "deny", nil, "permission tokens to strip from every plugin")
	pf.StringSliceVar(&flags.opts.PluginPaths, "plugin-path", nil, "plugin search paths (replaces configured paths)")
	pf.StringVar(&flags.opts.TraceDatabase, "trace-db", "", "path to the SQLite trace store")
	pf.StringVar(&flags.opts.TraceJSONL, "trace-jsonl", "", "append run records to this JSONL file")
	pf.BoolVar(&flags.opts.NoTraceStore, "no-trace-store", false, "do not record runs in the trace store")
	pf.BoolVar(&flags.opts.NoBuiltins, "no-builtins", false, "skip the built-in plugins")

	cmd.AddCommand(
		newPluginsCmd(flags),
		newRunCmd(flags),
		newTraceCmd(flags),
		newVersionCmd(),
	)
	return cmd
}

// newApp builds the application for cmd. Logs go to the command's error
// stream.
func (f *globalFlags) newApp(cmd *cobra.Command) (*app.Application, error) {
	opts := f.opts
	opts.LogOutput = cmd.ErrOrStderr()
	return app.New(cmd.Context(), opts)
}

// withPlugins builds the application, loads every plugin and calls fn.
// Load failures are reported as warnings; fn still runs with the plugins
// that loaded.
func (f *globalFlags) withPlugins(cmd *cobra.Command, fn func(context.Context, *app.Application) error) (err error) {
	application, err := f.newApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, application.Shutdown(context.WithoutCancel(cmd.Context())))
	}()

	ctx := cmd.Context()
	if loadErr := application.LoadPlugins(ctx); loadErr != nil {
		warnLoadErrors(cmd.ErrOrStderr(), application)
	}
	return fn(ctx, application)
}

func warnLoadErrors(w io.Writer, application *app.Application) {
	errs := application.LoadErrors()
	for _, name := range slices.Sorted(maps.Keys(errs)) {
		fmt.Fprintf(w, "warning: plugin %s not loaded: %v\n", name, errs[name])
	}
}
