// Package storage is the durable run log.
//
// Every execution attempt is one row; rows are created by the engine,
// transition pending -> running -> success|error exactly once, and are
// otherwise immutable until an operator deletes or prunes them. The store
// also keeps an append-only audit trail of operator actions.
//
// Drivers:
//   - "sqlite" (default): a single database file, WAL journal, one connection
//   - "mysql": shared database via gorm, for hosts that already run MySQL
package storage
