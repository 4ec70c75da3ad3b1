package unitd

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// muxFixture runs a multiplexer over a hand-built registry without a
// full manager.
type muxFixture struct {
	registry *unitRegistry
	bus      *wakeupBus
	mux      *multiplexer
	out      *syncBuffer
	errOut   *syncBuffer
}

func startTestMultiplexer(t *testing.T, units ...*unit) *muxFixture {
	t.Helper()
	registry := buildTestRegistry(units...)
	bus, err := newWakeupBus(numStreamKinds)
	require.NoError(t, err)
	out := &syncBuffer{}
	errOut := &syncBuffer{}
	mux := newMultiplexer(newTestLogger(), registry, bus, newStreamEmitter(out, errOut))
	mux.start()
	t.Cleanup(func() {
		mux.stop()
		bus.close()
	})
	return &muxFixture{
		registry: registry,
		bus:      bus,
		mux:      mux,
		out:      out,
		errOut:   errOut,
	}
}

func TestMultiplexerPrefixesStdoutLines(t *testing.T) {
	u := testServiceUnit(1, "m.service", ServiceConfig{})
	r, w, err := os.Pipe()
	require.NoError(t, err)
	u.service.stdoutPipe = r
	fx := startTestMultiplexer(t, u)
	defer w.Close()

	_, err = w.Write([]byte("hello\nwor"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(fx.out.String(), "[m.service] hello\n")
	}, 3*time.Second, 10*time.Millisecond)
	assert.NotContains(t, fx.out.String(), "wor")

	// The partial tail joins with the next read.
	_, err = w.Write([]byte("ld!\n\nmore\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(fx.out.String(), "[m.service] world!\n")
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(fx.out.String(), "[m.service] more\n")
	}, 3*time.Second, 10*time.Millisecond)
	// Empty lines are dropped.
	assert.NotContains(t, fx.out.String(), "[m.service] \n")
}

func TestMultiplexerPrefixesStderrLines(t *testing.T) {
	u := testServiceUnit(1, "m.service", ServiceConfig{})
	r, w, err := os.Pipe()
	require.NoError(t, err)
	u.service.stderrPipe = r
	fx := startTestMultiplexer(t, u)
	defer w.Close()

	_, err = w.Write([]byte("oops\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(fx.errOut.String(), "[m.service][STDERR] oops\n")
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, fx.out.String())
}

// EOF flushes the dangling tail and retires the fd from future
// snapshots.
func TestMultiplexerEOFFlushesTailAndRetiresFd(t *testing.T) {
	u := testServiceUnit(1, "m.service", ServiceConfig{})
	r, w, err := os.Pipe()
	require.NoError(t, err)
	u.service.stdoutPipe = r
	fx := startTestMultiplexer(t, u)

	_, err = w.Write([]byte("tail-without-newline"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Eventually(t, func() bool {
		return strings.Contains(fx.out.String(), "[m.service] tail-without-newline\n")
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		u.mu.Lock()
		defer u.mu.Unlock()
		return u.service.stdoutEOF
	}, 3*time.Second, 10*time.Millisecond)
	assert.Empty(t, fx.mux.snapshot(streamStdout))
}

func TestMultiplexerRoutesNotifyDatagrams(t *testing.T) {
	u := testServiceUnit(1, "n.service", ServiceConfig{Type: ServiceNotify})
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	u.service.notifyFd = fds[0]
	u.service.status = StatusStarting
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	startTestMultiplexer(t, u)

	_, err = unix.Write(fds[1], []byte("STATUS=booting\nREADY=1\n"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, _, ready, _, _ := serviceState(u)
		return ready && status == StatusRunning
	}, 3*time.Second, 10*time.Millisecond)
	_, _, _, _, msgs := serviceState(u)
	assert.Equal(t, []string{"booting"}, msgs)
}

// A new service appearing after the loops are already blocked in poll
// must be picked up via the wakeup bus.
func TestMultiplexerWakeupRefreshesSnapshot(t *testing.T) {
	u := testServiceUnit(1, "late.service", ServiceConfig{})
	fx := startTestMultiplexer(t, u)

	// Give the loops time to block on an empty snapshot.
	time.Sleep(100 * time.Millisecond)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()
	u.mu.Lock()
	u.service.stdoutPipe = r
	u.mu.Unlock()
	fx.bus.notify()

	_, err = w.Write([]byte("late\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return strings.Contains(fx.out.String(), "[late.service] late\n")
	}, 3*time.Second, 10*time.Millisecond)
}
