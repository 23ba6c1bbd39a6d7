// Package storage owns the embedded SQLite database shared by the progress
// store, the completion ledger and the statistics engine.
//
// SQLite serializes writers; the pool is pinned to a single connection so a
// transaction (hard reset) excludes every other statement for its duration.
package storage
