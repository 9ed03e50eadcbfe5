// Package store provides SQLite-backed persistence for shared document state.
//
// The store holds one row per document container (map or list) with its
// JSON contents, a content hash and the engine seq of the commit that last
// wrote it. Events themselves are never persisted: on restart the document
// is restored from container rows and processing resumes from the saved seq.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Container hashes are computed by ir.SnapshotHash (RFC 8785 canonical JSON,
// SHA-256 with domain separation), so an unchanged container is not rewritten.
package store
