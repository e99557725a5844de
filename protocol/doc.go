// Package protocol owns the wire contract and parsing primitives.
//
// Ownership boundary:
// - frame length-prefix primitives
// - tlv payload primitives
// - envelope codec
// - payload body schema for the reserved message set
package protocol
