package domain

import (
	"errors"
	"fmt"
)

// ErrOperatorAbort is returned by an operator session that terminates the run
var ErrOperatorAbort = errors.New("operator terminated the scenario")

// ProvisioningError means the topology could not be built
type ProvisioningError struct {
	Op   string // e.g. "create namespace", "bind controller"
	Node string
	Err  error
}

func (e *ProvisioningError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("provisioning %s (%s): %v", e.Op, e.Node, e.Err)
	}
	return fmt.Sprintf("provisioning %s: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// InvalidAddressError means a hardware address was rejected
type InvalidAddressError struct {
	Host    string
	Address string
	Reason  string
}

func (e *InvalidAddressError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("invalid hardware address %q for %s: %s", e.Address, e.Host, e.Reason)
	}
	return fmt.Sprintf("invalid hardware address %q: %s", e.Address, e.Reason)
}

// HostUnreachableError means the substrate could not reach a host to change it
type HostUnreachableError struct {
	Host string
	Err  error
}

func (e *HostUnreachableError) Error() string {
	return fmt.Sprintf("host %s unreachable: %v", e.Host, e.Err)
}

func (e *HostUnreachableError) Unwrap() error { return e.Err }

// StepError names the scenario step that aborted a run
type StepError struct {
	Index int
	Step  Step
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d %s: %v", e.Index+1, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// IsFatal reports whether err belongs to the abort-the-run class
func IsFatal(err error) bool {
	var (
		prov  *ProvisioningError
		inv   *InvalidAddressError
		unrch *HostUnreachableError
	)
	return errors.As(err, &prov) || errors.As(err, &inv) || errors.As(err, &unrch) ||
		errors.Is(err, ErrOperatorAbort)
}
