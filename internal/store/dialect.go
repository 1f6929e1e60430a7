package store

import (
	"fmt"
	"strconv"
	"strings"
)

// dialect captures the SQL differences between the supported drivers.
// Queries are written with ? placeholders and rebound per dialect.
type dialect struct {
	name   string
	schema string

	// numbered placeholders ($1, $2, ...) instead of ?
	numbered bool

	// lockSuffix is appended to SELECTs that must hold a row lock for the
	// rest of the transaction. SQLite already holds the database write
	// lock from BEGIN IMMEDIATE.
	lockSuffix string

	// skipLockedSuffix lets concurrent workers claim different jobs.
	skipLockedSuffix string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case DriverSQLite:
		return dialect{
			name:   DriverSQLite,
			schema: sqliteSchemaSQL,
		}, nil
	case DriverPostgres:
		return dialect{
			name:             DriverPostgres,
			schema:           postgresSchemaSQL,
			numbered:         true,
			lockSuffix:       " FOR UPDATE",
			skipLockedSuffix: " FOR UPDATE SKIP LOCKED",
		}, nil
	default:
		return dialect{}, fmt.Errorf("unsupported database driver %q (want %s or %s)", driver, DriverSQLite, DriverPostgres)
	}
}

// rebind converts ? placeholders to the dialect's form.
// Placeholders inside quoted literals are not expected in our queries.
func (d dialect) rebind(query string) string {
	if !d.numbered || !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// locked appends the row-lock clause to a SELECT.
func (d dialect) locked(query string) string {
	return strings.TrimRight(query, " \n\t") + d.lockSuffix
}

// skipLocked appends the skip-locked clause to a SELECT.
func (d dialect) skipLocked(query string) string {
	return strings.TrimRight(query, " \n\t") + d.skipLockedSuffix
}
