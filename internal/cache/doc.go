// Package cache provides the redis-backed hot cache used for session stats,
// message lists, and document summaries.
// This package is internal and should not be imported by external projects.
package cache
