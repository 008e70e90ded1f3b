package store

import (
	"errors"
	"strconv"
	"strings"

	"github.com/lib/pq"
	sqlite3 "modernc.org/sqlite"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name              string
	blobType          string
	rebind            func(query string) string
	isUniqueViolation func(err error) bool
}

var sqliteDialect = dialect{
	name:              "sqlite",
	blobType:          "BLOB",
	rebind:            func(q string) string { return q },
	isUniqueViolation: isSQLiteConstraintError,
}

var postgresDialect = dialect{
	name:              "postgresql",
	blobType:          "BYTEA",
	rebind:            rebindDollar,
	isUniqueViolation: isPostgresUniqueViolation,
}

// rebindDollar rewrites ? placeholders as $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func isSQLiteConstraintError(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		// Extended sqlite result codes include base code in the lower 8 bits.
		const sqliteConstraintBase = 19
		return sqliteErr.Code()&0xff == sqliteConstraintBase
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
