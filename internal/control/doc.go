// Package control implements the daemon's management protocol: framed
// JSON documents over a local Unix socket.
//
// # Wire format
//
// Each document is a uint32 big-endian length followed by a JSON body:
//
//	Client → Server: {"type": "status"}
//	Server → Client: {"type": "status", "status": {...}}
//
// Connections are strictly request/response; a client may issue several
// commands on one connection.
//
// # Commands
//
//   - status: version, uptime, PID, socket paths, watcher mode, counts
//   - list: the ordered roster with source, timestamp, health
//   - list-keys: the concatenated identity list a client would see
//   - reload: force an immediate watcher rescan
//   - validate: force an immediate health pass
//   - add/remove: mutate the watched subset
//   - ping: liveness check
//
// # Trust
//
// There is no authentication beyond filesystem permissions on the
// control socket (0600, user-private directory). Anyone who can open
// the socket could equally well open the agent socket next to it.
package control
