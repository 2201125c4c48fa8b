package errors

import (
	"errors"

	cr "github.com/cockroachdb/errors"
)

// Wrap annotates err with msg, preserving errors.Is identity.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return cr.Wrap(err, msg)
}

// Mark makes err report as markErr under errors.Is while keeping the
// original cause in the chain. A nil err yields markErr itself.
func Mark(err error, markErr error) error {
	if err == nil {
		return markErr
	}
	return cr.Mark(err, markErr)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return errors.Is(err, target) }
