// Package database opens the SQL databases backing the credential store,
// MySQL through go-sql-driver/mysql or an embedded SQLite file through
// modernc.org/sqlite, and applies the embedded schema migrations.
package database
