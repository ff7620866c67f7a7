// Package ports defines the interfaces between the engine and its adapters.
//
// The orchestrator depends only on these interfaces. Concrete adapters for
// event streams, run history, workflow repositories, tool providers, LLM
// clients and metrics live under pkg/adapters.
package ports
