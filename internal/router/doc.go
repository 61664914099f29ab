// Package router is the process-graph router driver.
//
// Ownership boundary:
// - transport listeners (tcp, unix, websocket) and the admin HTTP surface
// - per-connection lifecycle OPEN -> RUN -> CLOSE -> ZOMBIE
// - byte stream reassembly through a ring buffer with desync recovery
// - command handling and policy dispatch over the forward table
package router
