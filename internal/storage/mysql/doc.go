// Package mysql opens the shared database pool and applies the embedded
// schema migrations consumed by the escrow, oracle-run and checkpoint
// stores.
package mysql
