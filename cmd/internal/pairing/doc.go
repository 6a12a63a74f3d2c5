// Package pairing implements pairgate's session lifecycle: the per-session state machine,
// the pairing-code timer, phone normalization, and the process-wide Registry.
//
// Each Session runs one goroutine that is the only writer of its state. Caller commands,
// timer expiries and connector events all reach that goroutine through channels, so
// transitions within a session are applied strictly one at a time. Sessions never share
// mutable state; the Registry map is the single cross-session structure.
//
// Transport (HTTP/WS) integration lives in the realtime and app packages.
package pairing
