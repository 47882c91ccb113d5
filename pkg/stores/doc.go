// Package stores persists the history of update attempts in SQLite.
// The schema is managed with embedded golang-migrate migrations; each
// invocation of the updater records one attempt row.
package stores
