// Package stores persists run history for Conveyor. The SQLite-backed
// RunStore records each run as it reaches a terminal status and serves
// list, lookup, and retention-pruning queries over past runs.
package stores
