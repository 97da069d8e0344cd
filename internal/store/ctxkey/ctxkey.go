// Package ctxkey holds the context keys shared between the store and the
// transaction middleware. It exists to break the import cycle between them.
package ctxkey

type contextKey string

const txKey contextKey = "db_tx"

// TxKey returns the context key under which the per-request transaction is stored
func TxKey() interface{} {
	return txKey
}
