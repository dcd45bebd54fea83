package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"mactable/internal/preflight"
)

func newPreflightCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check whether this host can run the selected substrate",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			if err := o.apply(cfg); err != nil {
				return err
			}
			log := g.logger(cfg, cmd.ErrOrStderr())

			report := preflight.Run(cmd.Context(), preflight.HostSystem(), preflight.RequirementsFromConfig(cfg), log)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "substrate: %s\n\n", cfg.Substrate.Kind)
				if err := report.WriteTable(out); err != nil {
					return err
				}
			}
			return report.Err()
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.substrate, "substrate", "", "Substrate to check for: sim, netns or remote")
	f.StringVar(&o.switchKind, "switch", "", "Switch kind: ovs or bridge")
	f.StringVar(&o.controller, "controller", "", "OpenFlow controller as host[:port]")
	f.StringVar(&o.probeMethod, "probe-method", "", "Probe method: icmp or nmap")
	f.BoolVar(&asJSON, "json", false, "Print the report as JSON")
	return cmd
}
