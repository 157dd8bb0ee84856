// Package guestcall defines the wire contract spoken across the sandbox
// boundary: typed parameter values, the function call and result envelopes,
// their CBOR encoding, and the single-message framing used in the input and
// output shared-memory regions.
//
// The protocol is strictly synchronous request/response with one message in
// flight per direction. Encoding is symmetric: for every representable value
// x, decoding its encoding yields x. Any byte sequence that does not conform
// to the schema decodes to a *DecodeError rather than undefined behavior.
package guestcall
