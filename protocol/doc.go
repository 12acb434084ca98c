// Package protocol integrates external tool servers reachable over a
// process-managed JSON-RPC transport. Each server is described by a
// declarative ServerConfig; a Manager dials every configured server,
// discovers its tool catalog, and registers adapter tools with the shared
// registry. Invocations go through a per-server connection pool with a
// bounded size, exponential-backoff dialing, and hard timeouts.
package protocol
