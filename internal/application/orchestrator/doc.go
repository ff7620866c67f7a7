// Package orchestrator implements the core workflow execution logic.
//
// The validator turns a workflow definition into a Plan: an immutable graph
// with a runner bound to every node. Structural errors (cycles, dangling
// edges, entry points, duplicate ids, unknown kinds) are reported before
// any node configuration is checked, and nothing runs for an invalid plan.
//
// The executor drives a plan:
//   - Subscribe registers lifecycle event handlers
//   - Run computes the ready set, runs it concurrently and recomputes it
//     whenever a node settles
//   - Exit stops scheduling new nodes; in-flight nodes may still settle
//
// A failed node skips its downstream nodes while independent branches keep
// running. Edges leaving a condition node are only taken when their label
// matches the selected branch.
//
// The manager opens executors for stored workflows after an access check
// and tracks active runs so they can be cancelled by run id.
package orchestrator
