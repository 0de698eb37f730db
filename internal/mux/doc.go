// Package mux hosts the multiplexer daemon: the listening socket, the
// control socket, per-connection session handlers, and the supporting
// tasks (watcher, health prober, reload handling).
//
// # Overview
//
// A Server owns both Unix sockets and orchestrates everything through
// Run(ctx):
//
//	srv := mux.New(cfg, configPath, version, logger)
//	err := srv.Run(ctx)
//
// Run binds the sockets, announces readiness to the service manager,
// and accepts connections until ctx is cancelled. Each accepted client
// connection gets its own session goroutine; the supervisor keeps only a
// drain counter and the set of live connections (so a missed drain
// deadline can close them), and does not bound concurrency - one
// Unix connection costs one goroutine and the file-descriptor limit is
// the natural ceiling.
//
// # Sessions
//
// A session reads framed agent requests sequentially and answers each
// before reading the next, so reply order always matches request order.
// Identity listings concatenate every upstream's answer in roster
// order; sign requests walk the same order and the first upstream that
// produces a signature wins. Requests that would mutate upstream key
// material (add, remove, lock, unlock) are refused - the multiplexer is
// read-only with respect to upstream keys.
//
// Session-bind extensions are recorded per session and replayed to each
// upstream on the same connection immediately before any sign request,
// so destination-constrained keys keep working through the mux.
//
// # Reload and shutdown
//
// SIGHUP re-reads the configuration file and swaps the configured
// upstream set; discovered sockets are deliberately untouched so a
// reload never orphans live forwarded sessions. Cancelling ctx stops
// the accept loops, closes both sockets, and waits up to
// ShutdownTimeout for in-flight sessions before forcing them closed.
package mux
