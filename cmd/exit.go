package main

import (
	"errors"
	"fmt"

	"dmxwifi/credstore"
	"dmxwifi/gowpasupplicant"
	"dmxwifi/librarian"
	"dmxwifi/scan"
)

// Process exit statuses.
const (
	exitOK = iota
	exitFailure
	exitUsage
	exitScanUnavailable
	exitScanTimeout
	exitAssociationRejected
	exitStoreUnreadable
	exitStoreUnwritable
	exitNotInRange
)

// usageError marks bad flags or arguments.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

// exitCode maps an error from a run to the process exit status.
func exitCode(err error) int {
	var usage usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &usage):
		return exitUsage
	case errors.Is(err, scan.ErrUnavailable), errors.Is(err, gowpasupplicant.ErrUnavailable):
		return exitScanUnavailable
	case errors.Is(err, scan.ErrTimeout):
		return exitScanTimeout
	case errors.Is(err, librarian.ErrAssociationRejected):
		return exitAssociationRejected
	case errors.Is(err, credstore.ErrUnreadable):
		return exitStoreUnreadable
	case errors.Is(err, credstore.ErrUnwritable):
		return exitStoreUnwritable
	case errors.Is(err, librarian.ErrNotInRange):
		return exitNotInRange
	default:
		return exitFailure
	}
}
