// Package storage provides run history stores.
//
// Implementations:
//   - memory: in-process map, used by default and in tests
//   - redis: JSON records with TTL and a per-workflow sorted index
//   - badgerdb: embedded Badger key-value store with TTL entries
package storage
