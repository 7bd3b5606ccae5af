package reconcile

import (
	"errors"
	"fmt"
)

// Op names the phase of a run that failed
type Op string

const (
	OpScan      Op = "scan"
	OpFetch     Op = "fetch"
	OpSimulate  Op = "simulate"
	OpWrite     Op = "write"
	OpDelete    Op = "delete"
	OpCollision Op = "collision"
	OpReport    Op = "report"
)

// ErrIdentityCollision is returned when two tree paths resolve to the same
// resource identity within one run
var ErrIdentityCollision = errors.New("identity collision")

// Error is the failure returned by a run. Changes applied before the
// failing operation are not rolled back.
type Error struct {
	Op   Op
	Kind string
	// Path is the tree path or resource identity being processed, if any
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s failed: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s failed: %v", e.Kind, e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsOp reports whether err is a run failure of the given phase
func IsOp(err error, op Op) bool {
	var re *Error
	return errors.As(err, &re) && re.Op == op
}
