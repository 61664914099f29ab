// Package session owns connection timing shared by the router and clients.
//
// Ownership boundary:
// - connect/handshake/read/write/reply timeouts
// - retry backoff primitives
package session
