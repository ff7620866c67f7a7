// Package tools implements the in-process Tool Provider.
//
// The Manager owns the live tool clients and exposes their tools to
// tool-kind nodes. Reconcile brings the live clients in line with a
// declarative configuration set: clients only in the configuration are
// added, clients whose name or config changed are refreshed and clients no
// longer configured are removed.
package tools
