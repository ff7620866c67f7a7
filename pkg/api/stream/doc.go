// Package stream encodes workflow lifecycle events for streaming transports.
//
// The wire format is newline-delimited JSON: one event object per line,
// flushed as soon as it is written.
package stream
