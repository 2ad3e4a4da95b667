package sync

import "fmt"

// Op names the phase of a run that failed
type Op string

const (
	// OpConnect is opening the store handle
	OpConnect Op = "connect"
	// OpResolveWatermark is the watermark read
	OpResolveWatermark Op = "resolve-watermark"
	// OpPlan is window planning, which only fails on invalid input
	OpPlan Op = "plan"
	// OpExtract is remote pagination
	OpExtract Op = "extract"
	// OpLoad is the idempotent upsert
	OpLoad Op = "load"
)

// Error is the structured failure of a sync run
type Error struct {
	Op      Op
	Message string
	Err     error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op Op, err error, format string, args ...any) *Error {
	return &Error{
		Op:      op,
		Message: fmt.Sprintf(format, args...),
		Err:     err,
	}
}
