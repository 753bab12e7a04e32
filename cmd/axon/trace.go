package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"

	"github.com/dshills/axon/internal/tracestore"
)

// errNoTraceStore is returned by trace commands when the store is disabled.
var errNoTraceStore = errors.New("trace store disabled (set trace.database or drop --no-trace-store)")

func newTraceCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "trace",
		Aliases: []string{"traces"},
		Short:   "Query recorded runs",
	}
	cmd.AddCommand(
		newTraceListCmd(flags),
		newTraceShowCmd(flags),
		newTraceStatsCmd(flags),
	)
	return cmd
}

// withStore opens the application without loading plugins and passes
// its trace store to fn.
func (f *globalFlags) withStore(cmd *cobra.Command, fn func(*tracestore.Store) error) (err error) {
	application, err := f.newApp(cmd)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, application.Shutdown(cmd.Context()))
	}()

	store := application.Store()
	if store == nil {
		return errNoTraceStore
	}
	return fn(store)
}

func newTraceListCmd(flags *globalFlags) *cobra.Command {
	var opts tracestore.ListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withStore(cmd, func(store *tracestore.Store) error {
				runs, err := store.ListRuns(cmd.Context(), opts)
				if err != nil {
					return err
				}

				t := newTable(cmd.OutOrStdout())
				t.AppendHeader(table.Row{"ID", "Started", "Mode", "Calls", "Duration", "Error"})
				for _, r := range runs {
					t.AppendRow(table.Row{
						r.ID,
						r.StartedAt.Local().Format(time.DateTime),
						r.Mode,
						r.CallCount,
						r.Duration().Round(time.Millisecond),
						r.ErrorType,
					})
				}
				t.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum number of runs")
	cmd.Flags().StringVarP(&opts.Plugin, "plugin", "p", "", "only runs that called this plugin")
	cmd.Flags().BoolVar(&opts.FailedOnly, "failed", false, "only runs that ended with an error")
	return cmd
}

func newTraceShowCmd(flags *globalFlags) *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Print the stored record of a run",
		Example: `  axon trace show 0b6f...
  axon trace show 0b6f... --query 'plugin_calls.#.duration_ms'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.withStore(cmd, func(store *tracestore.Store) error {
				doc, err := store.GetRunDocument(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if query != "" {
					result := gjson.GetBytes(doc, query)
					if !result.Exists() {
						return fmt.Errorf("query %q matched nothing in run %s", query, args[0])
					}
					doc = []byte(result.Raw)
				}
				_, err = cmd.OutOrStdout().Write(pretty.Pretty(doc))
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "print only the value at this path (gjson syntax)")
	return cmd
}

func newTraceStatsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Summarize recorded calls per plugin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.withStore(cmd, func(store *tracestore.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}

				t := newTable(cmd.OutOrStdout())
				t.AppendHeader(table.Row{"Plugin", "Calls", "Failures", "Avg ms"})
				t.SetColumnConfigs([]table.ColumnConfig{
					{Number: 2, Align: text.AlignRight},
					{Number: 3, Align: text.AlignRight},
					{Number: 4, Align: text.AlignRight},
				})
				for _, st := range stats {
					t.AppendRow(table.Row{st.Plugin, st.Calls, st.Failures, fmt.Sprintf("%.1f", st.AvgDurationMS)})
				}
				t.Render()
				return nil
			})
		},
	}
}
