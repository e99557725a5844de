// Package session owns the broker session runtime.
//
// Ownership boundary:
// - connection/authentication state machine
// - request/response correlation with deadlines and cancellation
// - rate-limited outbound scheduling and heartbeats
// - inbound dispatch to topic subscribers
// - stream registry and reconnect supervision
package session
