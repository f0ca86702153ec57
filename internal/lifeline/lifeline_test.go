//go:build unix

package lifeline

import (
	"context"
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const poll = 25 * time.Millisecond

// Supervisors may log after a test returns, which zaptest loggers do not allow.
var spawnLogger = zap.NewNop()

func TestMain(m *testing.M) {
	// Spawned lifelines re-execute this test binary.
	Init()
	os.Exit(m.Run())
}

// dummyBrowser starts a long-lived child standing in for a browser. It is reaped in the
// background so a dead dummy never lingers as a zombie that still answers signal 0.
func dummyBrowser(t *testing.T) (*exec.Cmd, <-chan struct{}) {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())

	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-exited
	})
	return cmd, exited
}

func TestLifelineExitsWhenBrowserDies(t *testing.T) {
	browser, _ := dummyBrowser(t)

	p, err := Spawn(context.Background(), browser.Process.Pid, poll, spawnLogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Kill() })

	assert.True(t, p.Alive())
	assert.Equal(t, browser.Process.Pid, p.BrowserPID())

	require.NoError(t, browser.Process.Kill())
	assert.Eventually(t, func() bool { return !p.Alive() }, 5*time.Second, poll, "lifeline must exit once its browser is gone")
}

func TestBrowserKilledWhenLifelineDies(t *testing.T) {
	browser, exited := dummyBrowser(t)

	p, err := Spawn(context.Background(), browser.Process.Pid, poll, spawnLogger)
	require.NoError(t, err)

	require.NoError(t, syscall.Kill(p.Pid(), syscall.SIGKILL))

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("browser survived its lifeline")
	}
	assert.False(t, p.Alive())
	assert.Error(t, p.Err(), "a SIGKILLed lifeline reports a non-nil exit error")
}

func TestKillTakesBrowserDown(t *testing.T) {
	browser, exited := dummyBrowser(t)

	p, err := Spawn(context.Background(), browser.Process.Pid, poll, spawnLogger)
	require.NoError(t, err)

	require.NoError(t, p.Kill())
	require.NoError(t, p.Kill(), "kill is idempotent")

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("browser survived Kill")
	}
}

func TestRunKillsBrowserWhenControllerIsGone(t *testing.T) {
	browser, exited := dummyBrowser(t)

	// A finished and reaped process stands in for a dead controller.
	gone := exec.Command("true")
	require.NoError(t, gone.Run())

	code := run(browser.Process.Pid, gone.Process.Pid, poll, zaptest.NewLogger(t))
	assert.Equal(t, 0, code)

	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("orphaned browser was not killed")
	}
}

func TestRunReturnsWhenBrowserIsGone(t *testing.T) {
	gone := exec.Command("true")
	require.NoError(t, gone.Run())

	assert.Equal(t, 0, run(gone.Process.Pid, os.Getppid(), poll, zaptest.NewLogger(t)))
}

func TestSpawnValidation(t *testing.T) {
	logger := spawnLogger

	_, err := Spawn(context.Background(), 0, poll, logger)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Spawn(ctx, os.Getpid(), poll, logger)
	assert.ErrorIs(t, err, context.Canceled)

	orig := osExecutable
	t.Cleanup(func() { osExecutable = orig })
	osExecutable = func() (string, error) { return "", os.ErrNotExist }
	_, err = Spawn(context.Background(), os.Getpid(), poll, logger)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
