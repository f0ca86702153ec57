//go:build unix

// Package lifeline pairs every browser process with a watchdog process. The watchdog
// ("lifeline") is a re-execution of the running binary that polls the browser and the
// controller; the controller in turn supervises the lifeline. Whichever side notices
// the other gone force-terminates the browser, so no browser outlives its controller
// and no controller keeps a browser nobody is watching.
package lifeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/xkilldash9x/scalpel-explorer/internal/config"
	"github.com/xkilldash9x/scalpel-explorer/internal/observability"
)

const (
	envBrowserPID    = "SCALPEL_LIFELINE_BROWSER_PID"
	envControllerPID = "SCALPEL_LIFELINE_CONTROLLER_PID"
	envPollInterval  = "SCALPEL_LIFELINE_POLL_INTERVAL"

	defaultPollInterval = 500 * time.Millisecond
	killWait            = 5 * time.Second
)

// Injected for tests.
var osExecutable = os.Executable

// Init turns the current process into a lifeline when it was started by Spawn and
// never returns in that case. It must run first thing in main, and in TestMain of any
// test binary that spawns lifelines.
func Init() {
	raw, ok := os.LookupEnv(envBrowserPID)
	if !ok {
		return
	}

	browserPID, err1 := strconv.Atoi(raw)
	controllerPID, err2 := strconv.Atoi(os.Getenv(envControllerPID))
	interval, err3 := time.ParseDuration(os.Getenv(envPollInterval))
	if err3 != nil || interval <= 0 {
		interval = defaultPollInterval
	}

	logger := observability.NewLogger(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "lifeline"}, zapcore.Lock(os.Stderr))
	if err := errors.Join(err1, err2); err != nil {
		logger.Error("Invalid lifeline environment.", zap.Error(err))
		os.Exit(2)
	}

	os.Exit(run(browserPID, controllerPID, interval, logger))
}

// run is the lifeline's main loop.
func run(browserPID, controllerPID int, interval time.Duration, logger *zap.Logger) int {
	logger = logger.With(zap.Int("browser_pid", browserPID), zap.Int("controller_pid", controllerPID))
	logger.Debug("Lifeline watching browser.")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		if !processAlive(browserPID) {
			logger.Debug("Browser is gone, lifeline exiting.")
			return 0
		}
		// A reparented lifeline means the controller died, even if its pid was reused.
		if os.Getppid() != controllerPID || !processAlive(controllerPID) {
			logger.Warn("Controller is gone, killing orphaned browser.")
			if err := killPID(browserPID); err != nil {
				logger.Error("Failed to kill orphaned browser.", zap.Error(err))
				return 1
			}
			return 0
		}
	}
	return 0
}

// Process is the controller-side handle on a running lifeline.
type Process struct {
	cmd        *exec.Cmd
	browserPID int
	logger     *zap.Logger

	done     chan struct{}
	killOnce sync.Once
	mu       sync.Mutex
	waitErr  error
}

// Spawn starts a lifeline for browserPID and a supervisor goroutine that kills the
// browser as soon as the lifeline exits, and kills the lifeline as soon as the browser
// exits. The lifeline gets its own process group so terminal signals aimed at the
// controller do not take it down before it can clean up.
func Spawn(ctx context.Context, browserPID int, pollInterval time.Duration, logger *zap.Logger) (*Process, error) {
	if browserPID <= 0 {
		return nil, fmt.Errorf("invalid browser pid %d", browserPID)
	}
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	executable, err := osExecutable()
	if err != nil {
		return nil, fmt.Errorf("failed to find executable path: %w", err)
	}

	cmd := exec.Command(executable)
	cmd.Env = append(os.Environ(),
		envBrowserPID+"="+strconv.Itoa(browserPID),
		envControllerPID+"="+strconv.Itoa(os.Getpid()),
		envPollInterval+"="+pollInterval.String(),
	)
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start lifeline: %w", err)
	}

	p := &Process{
		cmd:        cmd,
		browserPID: browserPID,
		logger:     logger.Named("lifeline").With(zap.Int("lifeline_pid", cmd.Process.Pid), zap.Int("browser_pid", browserPID)),
		done:       make(chan struct{}),
	}
	go p.wait()
	go p.supervise(pollInterval)
	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.mu.Unlock()
	close(p.done)
}

func (p *Process) supervise(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			// Whatever took the lifeline down, the browser must not outlive it.
			if processAlive(p.browserPID) {
				p.logger.Warn("Lifeline exited, killing its browser.")
				if err := killPID(p.browserPID); err != nil {
					p.logger.Error("Failed to kill browser.", zap.Error(err))
				}
			}
			return
		case <-ticker.C:
			if !processAlive(p.browserPID) {
				p.logger.Debug("Browser exited, killing its lifeline.")
				_ = p.Kill()
			}
		}
	}
}

// Pid returns the lifeline's process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// BrowserPID returns the pid of the supervised browser.
func (p *Process) BrowserPID() int { return p.browserPID }

// Done is closed once the lifeline process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Alive reports whether the lifeline is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Err returns the lifeline's exit error once it has exited.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Kill force-terminates the lifeline's process group and waits for it to be reaped.
// The supervisor then takes the browser down with it.
func (p *Process) Kill() error {
	var err error
	p.killOnce.Do(func() {
		if kerr := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); kerr != nil && !errors.Is(kerr, syscall.ESRCH) {
			err = fmt.Errorf("failed to kill lifeline: %w", kerr)
			return
		}
		select {
		case <-p.done:
		case <-time.After(killWait):
			err = fmt.Errorf("lifeline %d did not exit after SIGKILL", p.cmd.Process.Pid)
		}
	})
	return err
}

// processAlive probes pid with signal 0. EPERM still proves the process exists.
func processAlive(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

func killPID(pid int) error {
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}
