// Package ledger records artifact upload attempts in SQLite.
//
// The ledger is append-only: each upload attempt, successful or not, is one
// row. It backs the `camrelay uploads` command and the status summary.
// Databases from an older schema version are rejected rather than migrated;
// delete the file to start over.
package ledger
