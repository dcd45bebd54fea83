// Package repository defines the run journal store.
//
// Every scenario execution is persisted as a run row plus one row per
// executed step, so past runs can be listed, inspected and exported after
// the emulated network is gone. The sqlite subpackage is the only
// implementation; tests use it with an in-memory database.
package repository
