//go:build !unix

package lifeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// ErrUnsupported is returned by Spawn on platforms without process groups.
var ErrUnsupported = errors.New("lifeline processes are only supported on unix")

// Init is a no-op on this platform.
func Init() {}

// Process is never constructed on this platform.
type Process struct{}

func Spawn(context.Context, int, time.Duration, *zap.Logger) (*Process, error) {
	return nil, ErrUnsupported
}

func (p *Process) Pid() int              { return 0 }
func (p *Process) BrowserPID() int       { return 0 }
func (p *Process) Done() <-chan struct{} { return nil }
func (p *Process) Alive() bool           { return false }
func (p *Process) Err() error            { return ErrUnsupported }
func (p *Process) Kill() error           { return nil }
