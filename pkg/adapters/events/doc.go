// Package events provides event bus and event mirror implementations.
//
// Implementations:
//   - memory: ordered in-process bus, one delivery queue per subscriber
//   - redis: Redis Streams mirror of run events with replay and follow
package events
