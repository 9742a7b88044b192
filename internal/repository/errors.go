package repository

import (
	"database/sql/driver"
	"errors"
	"net"

	"github.com/lib/pq"
)

// IsTransient reports whether a storage error is worth retrying: lost
// connections, serialization failures, deadlocks and resource exhaustion
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "40", "53":
			return true
		}
		return pqErr.Code == "57P01"
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temp interface{ Temporary() bool }
	return errors.As(err, &temp) && temp.Temporary()
}
