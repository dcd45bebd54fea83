package preflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"mactable/internal/config"
	"mactable/internal/domain"
	"mactable/internal/logging"
)

// DefaultDialTimeout bounds the controller reachability probe
const DefaultDialTimeout = 3 * time.Second

// Requirements describe the run the machine is being checked for
type Requirements struct {
	Substrate         config.SubstrateKind
	SwitchKind        config.SwitchKind
	ProbeMethod       config.ProbeMethod
	Controller        domain.ControllerEndpoint
	RequireController bool
	DialTimeout       time.Duration
}

// RequirementsFromConfig derives requirements from the loaded configuration
func RequirementsFromConfig(cfg *config.Config) Requirements {
	ctrl := cfg.Substrate.Controller
	return Requirements{
		Substrate:         cfg.Substrate.Kind,
		SwitchKind:        cfg.Substrate.Switch.Kind,
		ProbeMethod:       cfg.Probe.Method,
		Controller:        domain.ControllerEndpoint{Address: ctrl.Address, Port: ctrl.Port},
		RequireController: ctrl.RequireReachable,
	}
}

// Finding is the verdict of one check
type Finding struct {
	Check    string `json:"check"`
	OK       bool   `json:"ok"`
	Blocking bool   `json:"blocking"` // Only meaningful when !OK
	Detail   string `json:"detail"`
}

// Report is the outcome of a preflight run
type Report struct {
	Requirements Requirements  `json:"requirements"`
	Evidence     *EvidenceSet  `json:"-"`
	Findings     []Finding     `json:"findings"`
	Duration     time.Duration `json:"duration"`
}

// ErrNotReady is wrapped by Report.Err
var ErrNotReady = errors.New("preflight failed")

// Blocking returns the failed findings that prevent a run
func (r *Report) Blocking() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if !f.OK && f.Blocking {
			out = append(out, f)
		}
	}
	return out
}

// Err summarises blocking findings, or returns nil
func (r *Report) Err() error {
	blocking := r.Blocking()
	if len(blocking) == 0 {
		return nil
	}
	names := make([]string, len(blocking))
	for i, f := range blocking {
		names[i] = f.Check
	}
	return fmt.Errorf("%w: %s", ErrNotReady, strings.Join(names, ", "))
}

// Recommendation suggests a substrate this machine can run
func (r *Report) Recommendation() config.SubstrateKind {
	if r.Requirements.Substrate == config.SubstrateRemote {
		return config.SubstrateRemote
	}
	if r.Requirements.Substrate == config.SubstrateNetns && len(r.Blocking()) == 0 {
		return config.SubstrateNetns
	}
	if r.Evidence != nil && r.Evidence.Bool(CategoryPermissions, "is_root") &&
		r.Evidence.Bool(CategoryTooling, "has_ip") && r.Evidence.Bool(CategoryKernel, "netns_dir_writable") &&
		(r.Evidence.Bool(CategoryTooling, "has_ovs_vsctl") || r.Requirements.SwitchKind == config.SwitchBridge) {
		return config.SubstrateNetns
	}
	return config.SubstrateSim
}

// WriteTable prints one line per finding
func (r *Report) WriteTable(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tRESULT\tDETAIL")
	for _, f := range r.Findings {
		result := "ok"
		switch {
		case !f.OK && f.Blocking:
			result = "FAIL"
		case !f.OK:
			result = "warn"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Check, result, f.Detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\nrecommended substrate: %s\n", r.Recommendation())
	return err
}

// Run gathers evidence about sys and judges it against req. The sim
// substrate needs nothing, so its findings are never blocking.
func Run(ctx context.Context, sys System, req Requirements, logger logging.Logger) *Report {
	if logger == nil {
		logger = logging.Noop()
	}
	if req.DialTimeout <= 0 {
		req.DialTimeout = DefaultDialTimeout
	}
	start := time.Now()
	es := NewEvidenceSet()

	es.AddAll(detectPermissions(sys))
	es.Add(probeTool(ctx, sys, "ip", "-V"))
	es.Add(probePing(ctx, sys))
	es.Add(probeTool(ctx, sys, "ovs-vsctl", "--version"))
	es.Add(probeNmap(ctx, sys))
	es.Add(probeNetnsDir(sys))
	es.Add(probeOVSModule(sys))
	es.AddAll(detectContainer(sys))
	if !req.Controller.IsZero() && req.Substrate == config.SubstrateNetns {
		es.Add(probeController(ctx, sys, req.Controller.HostPort(), req.DialTimeout))
	}

	r := &Report{Requirements: req, Evidence: es}
	r.Findings = judge(es, req)
	r.Duration = time.Since(start)

	logger.Info(ctx, "preflight complete",
		logging.Int("evidence", es.Count()),
		logging.Int("blocking", len(r.Blocking())),
		logging.Duration("duration", r.Duration))
	for _, f := range r.Findings {
		if !f.OK {
			logger.Warn(ctx, "preflight finding", logging.String("check", f.Check), logging.Bool("blocking", f.Blocking), logging.String("detail", f.Detail))
		}
	}
	return r
}

func judge(es *EvidenceSet, req Requirements) []Finding {
	local := req.Substrate == config.SubstrateNetns
	ovs := req.SwitchKind != config.SwitchBridge

	find := func(check string, cat Category, prop string, blocking bool) Finding {
		e, ok := es.Lookup(cat, prop)
		if !ok {
			return Finding{Check: check, OK: false, Blocking: blocking, Detail: "no evidence gathered"}
		}
		v, _ := e.Value.(bool)
		return Finding{Check: check, OK: v, Blocking: blocking, Detail: e.Method}
	}

	findings := []Finding{
		find("root", CategoryPermissions, "is_root", local),
		find("ip", CategoryTooling, "has_ip", local),
		find("ping", CategoryTooling, "can_icmp_ping", local && req.ProbeMethod != config.ProbeNmap),
		find("ovs-vsctl", CategoryTooling, "has_ovs_vsctl", local && ovs),
		find("nmap", CategoryTooling, "has_nmap", local && req.ProbeMethod == config.ProbeNmap),
		find("netns dir", CategoryKernel, "netns_dir_writable", local),
	}

	if e, ok := es.Lookup(CategoryKernel, "openvswitch_module"); ok && local && ovs {
		v, _ := e.Value.(bool)
		findings = append(findings, Finding{Check: "openvswitch module", OK: v, Detail: e.Method})
	}

	if _, ok := es.Lookup(CategoryController, "reachable"); ok {
		blocking := local && ovs && req.RequireController
		findings = append(findings, find("controller", CategoryController, "reachable", blocking))
	}

	for _, e := range es.ByCategory(CategoryEnvironment) {
		if e.Property == "container" {
			findings = append(findings, Finding{
				Check:  "container",
				OK:     !local,
				Detail: fmt.Sprintf("running in %v (%s); namespaces need a privileged container", e.Value, e.Method),
			})
			break
		}
	}
	return findings
}
