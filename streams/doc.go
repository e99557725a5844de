// Package streams provides the typed market-data and execution streams over
// the session dispatcher: ticks, order-book depth, live candles, and
// execution events.
package streams
