package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mactable/internal/config"
	"mactable/internal/loader"
	"mactable/internal/watcher"
)

func newScenarioCmd(g *globalOptions) *cobra.Command {
	var (
		check string
		watch bool
	)
	cmd := &cobra.Command{
		Use:   "scenario",
		Short: "Print the built-in scenario, or validate a scenario file",
		Long: `Without flags, print the built-in mac-table-attack scenario as YAML. It is a
starting point for writing your own:

  mactable scenario > flip.yaml
  mactable scenario --check flip.yaml
  mactable scenario --check flip.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if check == "" {
				if watch {
					return fmt.Errorf("--watch needs --check")
				}
				return printScenario(out, loader.Default())
			}
			if !watch {
				return checkScenario(out, check)
			}

			cfg, _, err := g.loadConfig()
			if err != nil {
				cfg = config.DefaultConfig()
			}
			log := g.logger(cfg, cmd.ErrOrStderr())

			report := func(path string) {
				if err := checkScenario(out, path); err != nil {
					fmt.Fprintf(out, "%s: %v\n", path, err)
				}
			}
			report(check)
			w := watcher.New(check, report, watcher.WithLogger(log))
			if err := w.Watch(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&check, "check", "", "Validate this scenario file instead of printing the default")
	cmd.Flags().BoolVar(&watch, "watch", false, "With --check, re-validate every time the file is saved")
	return cmd
}

func checkScenario(out io.Writer, path string) error {
	sc, err := loader.Load(path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: ok, %d steps\n", sc.Name, len(sc.Steps))
	fmt.Fprintf(out, "topology: %s\n", sc.Topology().Describe())
	for i, st := range sc.Steps {
		fmt.Fprintf(out, "  %d  %s\n", i, st)
	}
	return nil
}
