package engine

import (
	"fmt"
	"strings"

	"github.com/wcms/wcms/internal/model"
)

// Classify maps a driver error onto the model error taxonomy.
//
// The pure-Go sqlite3 driver reports most conditions as plain errors
// with a descriptive message rather than a typed code callers can
// switch on reliably across driver versions, so classification matches
// on the message text. Every package that issues statements against an
// Engine runs its errors through here before returning them.
func Classify(err error) error { return classify(err) }

func classify(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case contains(msg, "database is locked", "SQLITE_BUSY", "busy"):
		return joinErr(model.ErrBusy, err)
	case contains(msg, "UNIQUE constraint failed", "constraint failed", "FOREIGN KEY constraint failed", "CHECK constraint failed"):
		return joinErr(model.ErrConstraintViolation, err)
	case contains(msg, "database disk image is malformed", "file is not a database", "SQLITE_CORRUPT", "SQLITE_NOTADB"):
		return joinErr(model.ErrCorrupt, err)
	case contains(msg, "database or disk is full", "SQLITE_FULL"):
		return joinErr(model.ErrNoSpace, err)
	case contains(msg, "attempt to write a readonly database", "permission denied", "SQLITE_READONLY", "SQLITE_PERM"):
		return joinErr(model.ErrPermissionDenied, err)
	case contains(msg, "disk I/O error", "SQLITE_IOERR"):
		return joinErr(model.ErrIoError, err)
	case contains(msg, "interrupted", "SQLITE_INTERRUPT", "context canceled", "context deadline exceeded"):
		return joinErr(model.ErrInterrupted, err)
	default:
		return err
	}
}

func contains(msg string, substrs ...string) bool {
	for _, s := range substrs {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func joinErr(sentinel, cause error) error {
	return fmt.Errorf("%w: %s", sentinel, cause.Error())
}
