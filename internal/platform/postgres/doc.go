// Package postgres stores task records in PostgreSQL and provides an event
// bus built on LISTEN/NOTIFY. Schema changes are goose migrations embedded
// in the binary.
package postgres
