package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dshills/axon/internal/app"
	"github.com/dshills/axon/internal/plugin"
	"github.com/dshills/axon/internal/plugin/security"
	"github.com/dshills/axon/internal/watch"
)

func newPluginsCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "plugins",
		Aliases: []string{"plugin"},
		Short:   "Inspect and manage plugins",
	}
	cmd.AddCommand(
		newPluginsListCmd(flags),
		newPluginsDescribeCmd(flags),
		newPluginsValidateCmd(),
		newPluginsPermissionsCmd(),
		newPluginsWatchCmd(flags),
	)
	return cmd
}

func newPluginsListCmd(flags *globalFlags) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded plugins",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withPlugins(cmd, func(_ context.Context, application *app.Application) error {
				hosts := application.Manager().List()
				if output == "json" {
					manifests := make([]*plugin.Manifest, 0, len(hosts))
					for _, h := range hosts {
						manifests = append(manifests, h.Manifest())
					}
					return writeJSON(cmd.OutOrStdout(), manifests)
				}

				t := newTable(cmd.OutOrStdout())
				t.AppendHeader(table.Row{"Name", "Version", "State", "Permissions", "Description"})
				for _, h := range hosts {
					m := h.Manifest()
					t.AppendRow(table.Row{m.Name, m.Version, h.State(), h.Granted(), m.Description})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format (table, json)")
	return cmd
}

func newPluginsDescribeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "describe NAME",
		Short: "Print the self-description of a plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withPlugins(cmd, func(_ context.Context, application *app.Application) error {
				desc, err := application.Manager().Describe(args[0])
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), desc)
			})
		},
	}
}

func newPluginsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate MANIFEST...",
		Short: "Check plugin manifest files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				m, err := plugin.LoadManifest(path)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s: %v\n", path, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok   %s (%s)\n", path, m)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d manifests invalid", failed, len(args))
			}
			return nil
		},
	}
}

func newPluginsPermissionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "permissions",
		Short: "List the permission tokens plugins can request",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			t := newTable(cmd.OutOrStdout())
			t.AppendHeader(table.Row{"Token", "Risk", "Description"})
			for _, p := range security.AllPermissions() {
				info, _ := p.Info()
				t.AppendRow(table.Row{p, info.RiskLevel, info.Description})
			}
			t.Render()
		},
	}
}

func newPluginsWatchCmd(flags *globalFlags) *cobra.Command {
	var delay time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Reload plugins whenever the plugin paths change",
		Long: `watch loads every plugin, then reloads them all whenever a manifest or
script under the plugin search paths changes. It runs until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withPlugins(cmd, func(ctx context.Context, application *app.Application) error {
				fmt.Fprintf(cmd.OutOrStdout(), "%d plugins loaded: %s\n",
					application.Manager().Count(), strings.Join(application.Manager().Names(), ", "))
				return application.Watch(ctx, delay)
			})
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", watch.DefaultDelay, "quiet period before a reload")
	return cmd
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	var (
		input     string
		inputFile string
		timeout   time.Duration
		retries   int
	)
	cmd := &cobra.Command{
		Use:   "run NAME",
		Short: "Execute a plugin once and print its output",
		Example: `  axon run echo --input '{"text": "hello"}'
  axon run file_reader --input-file req.json --timeout 5s --retries 2`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readInput(cmd.InOrStdin(), input, inputFile)
			if err != nil {
				return err
			}

			var opts []plugin.ExecOption
			if cmd.Flags().Changed("timeout") {
				opts = append(opts, plugin.WithTimeout(timeout))
			}
			if cmd.Flags().Changed("retries") {
				opts = append(opts, plugin.WithRetries(retries))
			}

			return flags.withPlugins(cmd, func(ctx context.Context, application *app.Application) error {
				out, rec, err := application.Execute(ctx, args[0], payload, opts...)
				if rec != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "run %s\n", rec.ID)
				}
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "input as a JSON document")
	cmd.Flags().StringVarP(&inputFile, "input-file", "f", "", "read the JSON input from a file (- for stdin)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-attempt timeout (default from configuration)")
	cmd.Flags().IntVar(&retries, "retries", 0, "retries after a failed attempt")
	cmd.MarkFlagsMutuallyExclusive("input", "input-file")
	return cmd
}

// readInput decodes the plugin input from the flag value or file. No
// input yields an empty object.
func readInput(stdin io.Reader, inline, file string) (any, error) {
	data := []byte(inline)
	switch file {
	case "":
	case "-":
		b, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		data = b
	default:
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		data = b
	}

	if len(strings.TrimSpace(string(data))) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decoding input: %w", err)
	}
	return v, nil
}

func newTable(w io.Writer) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	style := table.StyleLight
	style.Options.DrawBorder = false
	t.SetStyle(style)
	return t
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
