// Package domain holds the workflow data model shared by the executor,
// the transports and the storage adapters.
//
// A WorkflowDefinition is an immutable snapshot of nodes and edges. Each run
// gets its own ExecutionContext and reports progress through Events; the run
// resolves to a RunResult.
package domain
