// Package repository provides workflow definition and tool configuration
// sources.
//
// Implementations:
//   - memory: definitions registered in code, used in tests and embedding
//   - yamlfile: one YAML file per workflow in a directory, plus a YAML file
//     of tool client configurations
package repository
