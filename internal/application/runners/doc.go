// Package runners implements one execution strategy per node kind.
//
// The Registry maps a node kind to its Runner. Runners are stateless; all
// per-run data reaches them through Input. Configuration errors are reported
// when a plan is built, before any node of the run starts.
package runners
