// Package wire defines the serialized representation of session traffic:
// command envelopes travelling toward the backend, replies and change events
// travelling back, and the length-prefixed frame layout used on byte-stream
// transports. The encoding is a versioned binary format with length-prefixed
// strings and big-endian scalars; decoding failures are reported as
// recoverable errors so a corrupt frame never takes down its connection.
package wire
