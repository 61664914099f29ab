// Package protocol owns the router wire contract and the types shared by
// every layer that speaks it.
//
// Ownership boundary:
// - addresses and forwarding policies
// - frame header primitives (frame)
// - command payload primitives (command)
// - session timing and retry defaults (session)
package protocol
