package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"mactable/internal/codec"
	"mactable/internal/repository/sqlite"
)

func newRunsCmd(g *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List journaled runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			repo, err := sqlite.New(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer repo.Close()

			runs, err := repo.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tSCENARIO\tSUBSTRATE\tSTATE\tSTEPS\tPROBES OK")
			for _, r := range runs {
				ok := 0
				probes := r.ProbeOutcomes()
				for _, p := range probes {
					if p.Success {
						ok++
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%d/%d\n",
					r.ID, r.StartedAt.Local().Format(time.DateTime), r.Scenario, r.Substrate, r.State,
					len(r.Records), r.StepCount, ok, len(probes))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs to list")
	return cmd
}

func newShowCmd(g *globalOptions) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one journaled run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exporter, err := codec.ForFormat(format)
			if err != nil {
				return err
			}
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			repo, err := sqlite.New(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer repo.Close()

			run, err := repo.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("run %s not found", args[0])
			}
			return exporter.Export(run, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&format, "format", "o", "text", fmt.Sprintf("Output format %v", codec.Formats()))
	return cmd
}
