package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd builds the roverlog command tree
func NewRootCmd(logger *slog.Logger) *cobra.Command {
	var dbPath string

	root := &cobra.Command{
		Use:           "roverlog",
		Short:         "inspect and export recorded rover sessions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "Path to the database file")
	_ = root.MarkPersistentFlagRequired("db")

	root.AddCommand(
		newSessionsCmd(&dbPath),
		newVehicleCmd(&dbPath),
		newExportCmd(&dbPath, logger),
	)

	return root
}

func newSessionsCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "sessions",
		Short:   "list recorded sessions",
		Example: `  roverlog -d data/rover.sqlite sessions`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(*dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			return listSessions(cmd.Context(), store, cmd.OutOrStdout())
		},
	}
}

func newVehicleCmd(dbPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "vehicle",
		Short: "print the stored vehicle tuning",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(*dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			return showVehicle(cmd.Context(), store, cmd.OutOrStdout())
		},
	}
}

func newExportCmd(dbPath *string, logger *slog.Logger) *cobra.Command {
	c := NewConfig()
	var format, from, to string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "export the telemetry of a session",
		Long: `export writes the telemetry snapshots of a session as CSV or JSON lines.
Unknown values are written as empty CSV fields and omitted from JSON.`,
		Example: `  roverlog -d data/rover.sqlite export -s 3 -o run3.csv
  roverlog -d data/rover.sqlite export -s 3 -f jsonl --from "2024-05-01 12:00:00"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			c.DBPath = *dbPath
			c.Format = ExportFormat(format)
			if from != "" {
				if c.From, err = parseTime(from); err != nil {
					return err
				}
			}
			if to != "" {
				if c.To, err = parseTime(to); err != nil {
					return err
				}
			}
			if err = c.Validate(); err != nil {
				return err
			}

			store, err := openStore(c.DBPath)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if c.OutputFile != "" {
				var f *os.File
				if f, err = os.Create(c.OutputFile); err != nil {
					return fmt.Errorf("creating output file: %w", err)
				}
				defer func() {
					err = errors.Join(err, f.Close())
				}()
				out = f
			}

			return exportTelemetry(cmd.Context(), store, c, out, logger)
		},
	}

	cmd.Flags().Int64VarP(&c.SessionID, "session", "s", 0, "Session ID")
	cmd.Flags().StringVarP(&c.OutputFile, "output", "o", "", "Path to the output file, stdout when empty")
	cmd.Flags().StringVarP(&format, "format", "f", FormatCSV, "Output format. [csv, jsonl]")
	cmd.Flags().StringVar(&from, "from", "", "Export snapshots taken at or after this time")
	cmd.Flags().StringVar(&to, "to", "", "Export snapshots taken at or before this time")
	cmd.Flags().IntVar(&c.BatchSize, "batch", 0, "Rows fetched per query")
	_ = cmd.MarkFlagRequired("session")

	return cmd
}
