package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"releasegen/internal/output"
	"releasegen/internal/runner"
	"releasegen/internal/service"
)

func newBuildCmd(g *globals) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "build BUILD_ID",
		Short: "Run one release build",
		Long: `Run the build with the given id once and print its report.

The build's authored Delta files are read from <root>/<inputPrefix>/<id>/ and
the release files are written to <root>/<outputPrefix>/<id>/.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := newEnv(ctx, g.cfg)
			if err != nil {
				return err
			}
			defer e.Close()

			svc := service.NewBuildService(e.runner, e.builds, nil, output.Logger())
			report, runErr := svc.RunBuild(ctx, args[0])
			if report != nil {
				if asJSON {
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					if err := enc.Encode(report); err != nil {
						return err
					}
				} else {
					printReport(cmd.OutOrStdout(), report)
				}
			}
			if runErr != nil {
				return runErr
			}
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("%d file(s) failed", len(failed))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printReport(w io.Writer, r *runner.Report) {
	for _, f := range r.Files() {
		fmt.Fprintf(w, "%-12s %s", f.Status, f.File)
		if f.Status != runner.StatusCopied && f.Status != runner.StatusSkipped {
			fmt.Fprintf(w, " (%d rows)", f.Rows)
		}
		fmt.Fprintln(w)
		if f.Error != "" {
			fmt.Fprintf(w, "             error: %s\n", f.Error)
		}
		for _, warn := range f.Warnings {
			fmt.Fprintf(w, "             warning: %s\n", warn)
		}
	}
	for _, warn := range r.Warnings() {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
	fmt.Fprintf(w, "build %s: %s\n", r.BuildID, r.Summary())
}
