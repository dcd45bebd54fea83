// Package cli is the mactable command line.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"mactable/internal/config"
	"mactable/internal/logging"
	"mactable/internal/substrate"
	"mactable/internal/substrate/netns"
	"mactable/internal/substrate/remote"
	"mactable/internal/substrate/sim"
)

// globalOptions are the persistent flags shared by every subcommand
type globalOptions struct {
	configPath string
	dbPath     string
	logLevel   string
	logFormat  string
}

// NewRootCmd builds the command tree
func NewRootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "mactable",
		Short: "mactable - MAC table (CAM) attack scenario sequencer",
		Long: `mactable builds a two-host, one-switch segment and walks it through a
scripted sequence of hardware address changes and reachability probes,
pausing at checkpoints so the switch can be inspected by hand.

The segment is built in-process (sim), in local network namespaces with
Open vSwitch or a Linux bridge (netns), or on a lab VM over SSH (remote).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Path to config YAML (default: search $MACTABLE_CONFIG, ./mactable.yaml, ~/.config/mactable)")
	pf.StringVar(&g.dbPath, "db", "", "SQLite run journal path (overrides database.path)")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&g.logFormat, "log-format", "", "Log format: text or json")

	root.AddCommand(
		newRunCmd(g),
		newRunsCmd(g),
		newShowCmd(g),
		newScenarioCmd(g),
		newPreflightCmd(g),
		newConfigCmd(g),
		newVersionCmd(),
	)
	return root
}

// Execute runs the command line against os.Args
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}

// loadConfig reads the config file and applies the persistent flags
func (g *globalOptions) loadConfig() (*config.Config, string, error) {
	var (
		cfg  *config.Config
		path string
		err  error
	)
	if g.configPath != "" {
		cfg, path, err = config.LoadFromPath(g.configPath)
	} else {
		cfg, path, err = config.Load()
	}
	if err != nil {
		return nil, path, err
	}
	if g.dbPath != "" {
		cfg.Database.Path = g.dbPath
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	return cfg, path, nil
}

func (g *globalOptions) logger(cfg *config.Config, errOut io.Writer) logging.Logger {
	return logging.NewFromEnv(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: errOut,
	})
}

// defaultRegistry registers every built-in substrate
func defaultRegistry() *substrate.Registry {
	r := substrate.NewRegistry()
	for kind, f := range map[config.SubstrateKind]substrate.Factory{
		config.SubstrateSim:    sim.Factory,
		config.SubstrateNetns:  netns.Factory,
		config.SubstrateRemote: remote.Factory,
	} {
		if err := r.Register(kind, f); err != nil {
			panic(fmt.Sprintf("register substrate: %v", err))
		}
	}
	return r
}
