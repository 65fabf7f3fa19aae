package db

import (
	"strings"

	"github.com/derivkit/jobhub/errors"
)

// ErrDatabaseClosed marks work that reached the store after shutdown closed it
var ErrDatabaseClosed = errors.New("database is closed")

// closedMessages are the texts database/sql and the sqlite driver use for a
// closed handle. Their error values are unexported so only the text matches.
var closedMessages = []string{
	"database is closed",
	"connection is already closed",
}

// IsDatabaseClosed reports whether err came from a closed *sql.DB or *sql.Conn
func IsDatabaseClosed(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrDatabaseClosed):
		return true
	}
	msg := err.Error()
	for _, m := range closedMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
