// Package storage persists subscribers, known promotion items and a small
// delivery audit trail.
//
// Two drivers are available: "file" (JSON snapshot plus append-only journal)
// and "sqlite" (pure-Go modernc.org/sqlite).
package storage
