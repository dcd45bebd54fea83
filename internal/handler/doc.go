// Package handler implements the read-only HTTP API of a running mactable.
//
// RunHandler serves the run journal and the live sequencer status as JSON.
// Errors are returned as {error, details} with an appropriate status code.
// The /events stream itself lives in package hub; Routes mounts it next to
// the API and the Prometheus endpoint.
package handler
