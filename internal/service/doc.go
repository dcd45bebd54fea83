// Package service runs scenarios end to end and publishes what happens.
//
// # Services
//
// RunService owns the lifecycle of one scenario execution: it creates the run
// journal, instantiates the topology on the configured substrate, drives the
// sequencer, and always tears the network down afterwards, whatever the
// outcome. Past runs are read back through the same service.
//
// # Event System
//
// Every state transition and step is published on an EventBus. Publishing
// never blocks: a subscriber that is not keeping up misses events. The HTTP
// layer relays the bus to browsers as Server-Sent Events.
//
// # Persistence
//
// When a repository is configured, runs and steps are journaled as they
// happen, so a run that is interrupted still leaves a record. Journal write
// failures are logged and never change the outcome of the run.
package service
