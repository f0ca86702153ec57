package browser

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations on a browser after Close.
var ErrClosed = errors.New("browser is closed")

// SpawnError reports a browser that could not be started. Anything spawned before the
// failure has already been torn down.
type SpawnError struct {
	Err error
}

func (e *SpawnError) Error() string { return "failed to spawn browser: " + e.Err.Error() }
func (e *SpawnError) Unwrap() error { return e.Err }

// LoadError reports a resource Load does not know how to load.
type LoadError struct {
	Resource any
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("can't load resource of type %T", e.Resource)
}
