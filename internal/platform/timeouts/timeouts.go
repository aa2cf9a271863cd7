// Package timeouts defines shared timeout constants used by the collaboration
// server and client. Centralizing these values prevents drift between the two
// halves of the protocol and makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// LockRequest is how long a client waits for the server to answer a
// finding lock request before treating it as denied.
const LockRequest = 5 * time.Second

// Reconnect is the fixed delay between a dropped connection and the next
// connection attempt.
const Reconnect = 3 * time.Second

// LockLease is the default lifetime of a granted finding lock.
const LockLease = 5 * time.Minute

// LockSweep is how often the server evicts expired finding locks.
const LockSweep = time.Second

// Dial caps the websocket handshake.
const Dial = 5 * time.Second
