package repository

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"modernc.org/sqlite"

	apperrors "github.com/Proton-105/points-ledger/internal/errors"
)

// Dialect captures the few places where the supported SQL engines differ.
type Dialect struct {
	Name       string
	DriverName string
	// ForUpdate is appended to the row lock query; empty when the engine
	// locks at transaction begin instead.
	ForUpdate string
	Returning bool
	Numbered  bool
}

var (
	Postgres = Dialect{Name: "postgres", DriverName: "postgres", ForUpdate: " FOR UPDATE", Returning: true, Numbered: true}
	MySQL    = Dialect{Name: "mysql", DriverName: "mysql", ForUpdate: " FOR UPDATE"}
	SQLite   = Dialect{Name: "sqlite", DriverName: "sqlite"}
)

// DialectFor maps a configured driver name to its dialect.
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case Postgres.Name:
		return Postgres, nil
	case MySQL.Name:
		return MySQL, nil
	case SQLite.Name:
		return SQLite, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver %q", driverName)
	}
}

// Rebind rewrites ? placeholders into the dialect's bind syntax.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
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

// classify wraps driver errors as AppErrors, marking the ones worth retrying.
func classify(err error) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}

	if IsTransient(err) {
		return apperrors.NewDatabaseError(err)
	}
	return apperrors.NewStoreError(err)
}

// IsTransient reports whether err is a connectivity, lock contention or
// serialization failure that a fresh attempt may not hit.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
		return pqErr.Code.Class() == "08"
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// lock wait timeout, deadlock
		return myErr.Number == 1205 || myErr.Number == 1213
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		// SQLITE_BUSY and SQLITE_LOCKED, extended codes included
		primary := liteErr.Code() & 0xff
		return primary == 5 || primary == 6
	}

	return false
}
