package cluster

import (
	"errors"
	"fmt"
)

// ErrAlreadyShutdown is matched by every *AlreadyShutdownError.
var ErrAlreadyShutdown = errors.New("cluster has been shut down")

// AlreadyShutdownError is returned by any operation on a cluster after Shutdown.
type AlreadyShutdownError struct {
	Op string
}

func (e *AlreadyShutdownError) Error() string {
	return fmt.Sprintf("cannot %s: %v", e.Op, ErrAlreadyShutdown)
}

func (e *AlreadyShutdownError) Unwrap() error { return ErrAlreadyShutdown }
