// Package storage persists readings and alerts and serves them back in
// reverse-chronological pages.
//
// Backends:
//   - "memory": ordered per-patient slices (default)
//   - "sqlite": modernc.org/sqlite on a private in-memory database
//
// Both are volatile; data lives until Close.
package storage
