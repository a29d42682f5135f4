package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// Record is one row of a logical table, keyed by a caller-generated "id"
// field that is stable across backends.
type Record map[string]any

// Filter narrows a Query backend-side, before any rows are materialized.
type Filter struct {
	Eq        map[string]any
	TimeField string
	Since     time.Time
	Until     time.Time
	OrderBy   string
	Desc      bool
	Limit     int
}

// ErrConnectivity means neither the primary nor the fallback backend could
// accept the write; no durability could be guaranteed.
var ErrConnectivity = errors.New("all backends unavailable")

// Backend is a write/query target for records. The primary store and the
// local fallback store are interchangeable behind it.
type Backend interface {
	Insert(ctx context.Context, table string, rec Record) error
	// InsertIfAbsent inserts unless a record with the same id already
	// exists. Used by reconciliation replay; an existing row is a no-op.
	InsertIfAbsent(ctx context.Context, table string, rec Record) (bool, error)
	Update(ctx context.Context, table, id string, fields Record) error
	Query(ctx context.Context, table string, f Filter) ([]Record, error)
	Ping(ctx context.Context) error
	Close() error
}

// Postgres error classes that indicate the server is unreachable or going
// away, as opposed to rejecting the statement.
var pgUnavailableCodes = map[string]bool{
	"08000": true, // connection_exception
	"08003": true, // connection_does_not_exist
	"08006": true, // connection_failure
	"53300": true, // too_many_connections
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
}

// unavailable reports whether err is a connectivity-class failure that the
// fallback path should absorb, rather than a rejection to surface.
func unavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, gorm.ErrInvalidDB) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgUnavailableCodes[pgErr.Code]
	}
	return false
}

func recordID(rec Record) (string, bool) {
	id, ok := rec["id"].(string)
	return id, ok && id != ""
}
