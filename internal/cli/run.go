package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"mactable/internal/codec"
	"mactable/internal/config"
	"mactable/internal/console"
	"mactable/internal/domain"
	"mactable/internal/loader"
	"mactable/internal/logging"
	"mactable/internal/observability"
	"mactable/internal/preflight"
	"mactable/internal/repository/sqlite"
	"mactable/internal/service"
	"mactable/internal/substrate"
	"mactable/internal/topology"
)

type runOptions struct {
	scenario      string
	substrate     string
	switchKind    string
	controller    string
	probeMethod   string
	listen        string
	noJournal     bool
	skipPreflight bool
}

func newRunCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an attack scenario",
		Long: `Instantiate the segment, execute the scenario step by step and tear the
segment down again. At each checkpoint an interactive console is opened on
stdin; "exit" continues the run, "abort" ends it.

Example:
  mactable run
  sudo mactable run --substrate netns --controller 10.0.2.2:6653
  mactable run --scenario ./flip.yaml --listen :8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd, g)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.scenario, "scenario", "", "Scenario YAML file (default: built-in mac-table-attack)")
	f.StringVar(&o.substrate, "substrate", "", "Substrate: sim, netns or remote")
	f.StringVar(&o.switchKind, "switch", "", "Switch on real substrates: ovs or bridge")
	f.StringVar(&o.controller, "controller", "", "OpenFlow controller as host[:port]")
	f.StringVar(&o.probeMethod, "probe-method", "", "Probe method on real substrates: icmp or nmap")
	f.StringVar(&o.listen, "listen", "", "Serve the status API and /events on this address")
	f.BoolVar(&o.noJournal, "no-journal", false, "Do not record the run in the database")
	f.BoolVar(&o.skipPreflight, "skip-preflight", false, "Do not check the host before a netns run")
	return cmd
}

// apply overrides cfg with the flags that were set
func (o *runOptions) apply(cfg *config.Config) error {
	if o.substrate != "" {
		k, err := config.ParseSubstrateKind(o.substrate)
		if err != nil {
			return err
		}
		cfg.Substrate.Kind = k
	}
	if o.switchKind != "" {
		k, err := config.ParseSwitchKind(o.switchKind)
		if err != nil {
			return err
		}
		cfg.Substrate.Switch.Kind = k
	}
	if o.probeMethod != "" {
		m, err := config.ParseProbeMethod(o.probeMethod)
		if err != nil {
			return err
		}
		cfg.Probe.Method = m
	}
	if o.controller != "" {
		addr, port, err := parseController(o.controller)
		if err != nil {
			return err
		}
		cfg.Substrate.Controller.Address = addr
		if port != 0 {
			cfg.Substrate.Controller.Port = port
		}
	}
	if o.listen != "" {
		cfg.HTTP.Listen = o.listen
	}
	if o.noJournal {
		cfg.Database.Path = ""
	}
	return nil
}

func parseController(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		// No port given
		return s, 0, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid controller port %q", portStr)
	}
	return host, port, nil
}

func (o *runOptions) run(cmd *cobra.Command, g *globalOptions) error {
	ctx := cmd.Context()
	cfg, cfgPath, err := g.loadConfig()
	if err != nil {
		return err
	}
	if err := o.apply(cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	log := g.logger(cfg, cmd.ErrOrStderr())
	if cfgPath != "" {
		log.Debug(ctx, "config loaded", logging.String("path", cfgPath))
	}

	sc := loader.Default()
	if o.scenario != "" {
		if sc, err = loader.Load(o.scenario); err != nil {
			return err
		}
	}

	if cfg.Substrate.Kind == config.SubstrateNetns && !o.skipPreflight {
		report := preflight.Run(ctx, preflight.HostSystem(), preflight.RequirementsFromConfig(cfg), log)
		if err := report.Err(); err != nil {
			report.WriteTable(cmd.ErrOrStderr())
			return err
		}
	}

	operator := console.NewStdio(console.WithLogger(log))
	run, err := execute(ctx, cfg, sc, operator, o.controller != "", log)
	if run != nil {
		fmt.Fprintln(cmd.OutOrStdout())
		if werr := codec.NewTextCodec().Export(run, cmd.OutOrStdout()); werr != nil {
			log.Warn(ctx, "failed to print summary", logging.Err(werr))
		}
	}
	return err
}

// topologyOptions binds the segment to the configured controller. A
// scenario that names its own controller keeps it unless the controller was
// given on the command line.
func topologyOptions(cfg *config.Config, sc *loader.Scenario, controllerFlag bool) []topology.Option {
	var opts []topology.Option
	scenarioController := sc.Overrides != nil && sc.Overrides.Controller != nil
	if controllerFlag || !scenarioController {
		opts = append(opts, topology.WithController(cfg.Substrate.Controller.Address, cfg.Substrate.Controller.Port))
	}
	if sc.Overrides == nil || sc.Overrides.ListenPort == 0 {
		opts = append(opts, topology.WithListenPort(cfg.Substrate.Switch.ListenPort))
	}
	return opts
}

// execute wires the substrate, journal, metrics and optional HTTP API
// around one scenario run
func execute(ctx context.Context, cfg *config.Config, sc *loader.Scenario, operator substrate.Operator, controllerFlag bool, log logging.Logger) (*domain.Run, error) {
	sub, err := defaultRegistry().Build(cfg, substrate.Env{Logger: log, Operator: operator})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	metrics, err := observability.NewMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	opts := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(metrics),
		service.WithTimeouts(cfg.Timeouts),
		service.WithTopologyOptions(topologyOptions(cfg, sc, controllerFlag)...),
	}
	if cfg.Database.Path != "" {
		repo, err := sqlite.New(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		defer repo.Close()
		opts = append(opts, service.WithRepository(repo))
	}
	svc := service.NewRunService(sub, opts...)

	if cfg.HTTP.Listen != "" {
		srv, err := startServer(ctx, cfg.HTTP.Listen, svc, metrics, log)
		if err != nil {
			return nil, err
		}
		defer srv.Stop()
	}

	return svc.Execute(ctx, sc)
}

func printScenario(w io.Writer, sc *loader.Scenario) error {
	data, err := loader.Marshal(sc)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
