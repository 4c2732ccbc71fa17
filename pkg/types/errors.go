package types

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrBusy            = errors.New("device busy")
	ErrNotFound        = errors.New("not found")
	ErrTimeout         = errors.New("wait timed out")
	ErrHardwareTimeout = errors.New("hardware timeout")
	ErrCanceled        = errors.New("job canceled")
	ErrDependency      = errors.New("dependency failed")
)

// ErrInvalidHandle is an ErrInvalidArgument.
var ErrInvalidHandle = fmt.Errorf("%w: bad buffer object handle", ErrInvalidArgument)
