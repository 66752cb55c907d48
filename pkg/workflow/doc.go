// Package workflow defines the declarative workflow document model consumed by
// the Conveyor engine: triggers, job definitions, matrix strategies, steps, and
// protected environments. It also provides YAML parsing and structural
// validation for workflow files. The package is purely declarative; execution
// semantics live in pkg/engine.
package workflow
