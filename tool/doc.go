// Package tool defines the Tool capability interface, the registry that
// unifies native and protocol-backed tools, and the native retrieval/search
// tool clients with their caches.
package tool
