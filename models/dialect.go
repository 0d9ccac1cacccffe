package models

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// TransientKind classifies failures that are expected to succeed on a fresh transaction.
type TransientKind int

const (
	TransientNone TransientKind = iota
	TransientDeadlock
	TransientLockTimeout
	TransientConnectionLost
	TransientSerialization
)

func (k TransientKind) String() string {
	switch k {
	case TransientDeadlock:
		return "deadlock"
	case TransientLockTimeout:
		return "lock_wait_timeout"
	case TransientConnectionLost:
		return "connection_lost"
	case TransientSerialization:
		return "serialization_failure"
	default:
		return "none"
	}
}

// TransientError marks a driver error as retryable. It is produced once, at the
// storage boundary, so the retry loop never has to inspect driver messages.
type TransientError struct {
	Kind TransientKind
	Err  error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient %s: %v", e.Kind, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// Dialect isolates the engine specific parts of the locking core.
type Dialect interface {
	Name() string
	// LockTimeoutSQL returns the statement that bounds row lock waits for the current transaction.
	LockTimeoutSQL(timeout time.Duration) string
	Classify(err error) TransientKind
}

// WrapDriverError tags err as a TransientError when the dialect recognizes it.
func WrapDriverError(d Dialect, err error) error {
	if err == nil {
		return nil
	}
	var te *TransientError
	if errors.As(err, &te) {
		return err
	}
	if d != nil {
		if kind := d.Classify(err); kind != TransientNone {
			return &TransientError{Kind: kind, Err: err}
		}
	}
	return err
}

// ClassifyError returns the transient kind of err. Typed errors win; untyped errors
// that never crossed a Dialect fall back to well known message fragments.
func ClassifyError(err error) TransientKind {
	if err == nil {
		return TransientNone
	}
	var te *TransientError
	if errors.As(err, &te) {
		return te.Kind
	}
	return classifyMessage(err.Error())
}

func IsTransient(err error) bool {
	return ClassifyError(err) != TransientNone
}

var transientPatterns = []struct {
	fragment string
	kind     TransientKind
}{
	{"deadlock", TransientDeadlock},
	{"lock wait timeout", TransientLockTimeout},
	{"lock timeout", TransientLockTimeout},
	{"could not serialize", TransientSerialization},
	{"serialization failure", TransientSerialization},
	{"connection lost", TransientConnectionLost},
	{"lost connection", TransientConnectionLost},
	{"server has gone away", TransientConnectionLost},
	{"connection reset", TransientConnectionLost},
	{"bad connection", TransientConnectionLost},
}

func classifyMessage(msg string) TransientKind {
	msg = strings.ToLower(msg)
	for _, p := range transientPatterns {
		if strings.Contains(msg, p.fragment) {
			return p.kind
		}
	}
	return TransientNone
}

func isConnectionError(err error) bool {
	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysqlDriver.ErrInvalidConn)
}

type MySQLDialect struct{}

func (MySQLDialect) Name() string { return "mysql" }

// innodb_lock_wait_timeout only accepts whole seconds.
func (MySQLDialect) LockTimeoutSQL(timeout time.Duration) string {
	secs := int(timeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", secs)
}

func (MySQLDialect) Classify(err error) TransientKind {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1213:
			return TransientDeadlock
		case 1205, 3572:
			return TransientLockTimeout
		case 1053, 1927, 2006, 2013:
			return TransientConnectionLost
		}
		return TransientNone
	}
	if isConnectionError(err) {
		return TransientConnectionLost
	}
	return TransientNone
}

type PostgresDialect struct{}

func (PostgresDialect) Name() string { return "postgres" }

func (PostgresDialect) LockTimeoutSQL(timeout time.Duration) string {
	ms := timeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)
}

func (PostgresDialect) Classify(err error) TransientKind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40P01":
			return TransientDeadlock
		case pgErr.Code == "40001":
			return TransientSerialization
		case pgErr.Code == "55P03":
			return TransientLockTimeout
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01":
			return TransientConnectionLost
		}
		return TransientNone
	}
	if isConnectionError(err) || pgconn.SafeToRetry(err) {
		return TransientConnectionLost
	}
	return TransientNone
}

// DialectFor maps a config.DBDriver value to its Dialect.
func DialectFor(driverName string) Dialect {
	if driverName == "postgres" {
		return PostgresDialect{}
	}
	return MySQLDialect{}
}
