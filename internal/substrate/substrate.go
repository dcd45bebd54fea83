// Package substrate defines the boundary between the scenario sequencer and
// whatever actually builds the emulated segment: an in-process model, local
// network namespaces, or a lab VM reached over SSH.
package substrate

import (
	"context"
	"errors"

	"mactable/internal/domain"
)

// ErrUnsupported is returned when a network lacks an optional capability
var ErrUnsupported = errors.New("operation not supported by this substrate")

// Substrate instantiates topologies
type Substrate interface {
	// Name returns the registry key of this substrate
	Name() string

	// Instantiate builds the topology and binds switches to the controller.
	// Failures are reported as *domain.ProvisioningError.
	Instantiate(ctx context.Context, topo *domain.Topology) (Network, error)
}

// Network is a live instance of a topology
type Network interface {
	// Topology returns a snapshot carrying the current host MACs
	Topology() *domain.Topology

	// SetHardwareAddress replaces the MAC of a host interface. Assigning the
	// active address succeeds with Changed=false.
	SetHardwareAddress(ctx context.Context, host, mac string) (domain.AddressAck, error)

	// Probe sends a single reachability check from a host to an address.
	// An unanswered probe is a ProbeOutcome with Success=false, not an error.
	Probe(ctx context.Context, from, toAddress string) (domain.ProbeOutcome, error)

	// OpenInteractiveSession blocks until the operator releases control.
	// It returns domain.ErrOperatorAbort when the operator ends the run.
	OpenInteractiveSession(ctx context.Context) error

	// Teardown destroys everything Instantiate created. It is safe to call
	// more than once and after a partial instantiation.
	Teardown(ctx context.Context) error
}

// Operator attends an interactive session on a live network
type Operator interface {
	Attend(ctx context.Context, n Network) error
}

// OperatorFunc adapts a function to Operator
type OperatorFunc func(ctx context.Context, n Network) error

// Attend calls f
func (f OperatorFunc) Attend(ctx context.Context, n Network) error {
	return f(ctx, n)
}

// ForwardingTableReader is implemented by networks that can dump a switch's
// MAC learning table
type ForwardingTableReader interface {
	ForwardingTable(ctx context.Context, sw string) ([]domain.ForwardingEntry, error)
}

// CommandRunner is implemented by networks that can run commands on a host
type CommandRunner interface {
	Exec(ctx context.Context, host string, argv ...string) (string, error)
}

// Attend runs op against n, releasing immediately when op is nil
func Attend(ctx context.Context, op Operator, n Network) error {
	if op == nil {
		return nil
	}
	return op.Attend(ctx, n)
}
