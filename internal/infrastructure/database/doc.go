// Package database opens the SQLite file backing the connection journal
// and applies its embedded schema migrations.
package database
