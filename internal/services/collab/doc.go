// Package collab implements real-time collaboration over security findings.
//
// A room-scoped WebSocket protocol carries presence (who is here, where their
// cursor is), server-arbitrated finding locks, and threaded comments. The
// client half mirrors room state for a host application; the server half
// arbitrates contention and owns persistence, so the host never has to.
package collab
