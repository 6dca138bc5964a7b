package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newExportCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write queued and failed operations as JSONL",
		Long: `Write every queued or failed operation in the log, one JSON object per
line. Completed operations are not exported.`,
		Args:    cobra.NoArgs,
		GroupID: "maint",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			w := a.stdout
			if output != "" && output != "-" {
				path := a.path(output)
				if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
					return fmt.Errorf("failed to create output directory: %w", err)
				}
				// #nosec G304 - output path is provided by the operator
				f, err := os.Create(path)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", output, err)
				}
				defer f.Close()
				w = f
			}

			n, err := st.ExportJSONL(a.ctx, w)
			if err != nil {
				return err
			}
			if w != a.stdout {
				fmt.Fprintln(a.stdout, a.ui.Pass(fmt.Sprintf("Exported %d operations to %s", n, output)))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default stdout)")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Append operations from a JSONL export",
		Long: `Append operations from a JSONL file. Operations whose id is already in
the log, queued or completed, are skipped; ids are never reused. Run this
while no daemon is using the same log.`,
		Args:    cobra.ExactArgs(1),
		GroupID: "maint",
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = a.stdin
			if args[0] != "-" {
				// #nosec G304 - import path is provided by the operator
				f, err := os.Open(a.path(args[0]))
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", args[0], err)
				}
				defer f.Close()
				r = f
			}

			st, err := a.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			result, err := st.ImportJSONL(a.ctx, r)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, a.ui.Pass(fmt.Sprintf("Imported %d operations (%d skipped)", result.Imported, result.Skipped)))
			for _, msg := range result.Errors {
				fmt.Fprintln(a.stderr, a.ui.Warn(msg))
			}
			if len(result.Errors) > 0 {
				return fmt.Errorf("%d lines could not be imported", len(result.Errors))
			}
			return nil
		},
	}
	return cmd
}
