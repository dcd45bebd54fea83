// Package domain defines the core types of the mactable lab: the emulated
// topology, the attack scenario steps and the journal of a scenario run.
//
// # Topology
//
// Topology is the declarative description of the emulated segment: hosts,
// switches, the links between them and the SDN controller the switches are
// bound to. Only host hardware addresses change after construction, and only
// through a substrate.
//
// # Scenario
//
// Step is a tagged variant over set_address, probe and checkpoint. A scenario
// is an ordered slice of steps executed strictly in order by the sequencer.
//
// # Runs
//
// Run and StepRecord capture what happened: address acknowledgements, probe
// outcomes and operator suspensions, plus the failed step when a run aborts.
//
// # Errors
//
// ProvisioningError, InvalidAddressError, HostUnreachableError and StepError
// form the error taxonomy shared by the substrates and the sequencer. Probe
// failures are never errors; they are recorded as ProbeOutcome values.
//
// The package has no infrastructure dependencies.
package domain
