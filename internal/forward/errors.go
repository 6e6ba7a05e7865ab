package forward

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyForwarding = errors.New("port already forwarded")
	ErrBindFailed        = errors.New("bind failed")
	ErrNotFound          = errors.New("port not forwarded")
	ErrNotOwner          = errors.New("port forwarded by another agent")
	ErrInvalidPort       = errors.New("invalid port")
	ErrTableClosed       = errors.New("forward table closed")
)

// BindError reports that the host refused to listen on a forwarded port.
// It matches both ErrBindFailed and the underlying OS error.
type BindError struct {
	Port uint16
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("binding local port %d: %v", e.Port, e.Err)
}

func (e *BindError) Unwrap() []error {
	return []error{ErrBindFailed, e.Err}
}
