package unitd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/tuxdude/zzzlogi"
	"golang.org/x/sys/unix"
)

const (
	// Exponential backoff bounds for polling the pid table while
	// waiting for a helper. The short initial delay keeps latency for
	// fast helpers sub-millisecond, the cap avoids spinning on slow
	// ones.
	helperBackoffStart = 50 * time.Microsecond
	helperBackoffCap   = 10 * time.Millisecond
	// How long to keep collecting the exit entry of a helper after it
	// has been SIGKILLed on timeout, so the pid table does not
	// accumulate entries nobody ever removes.
	helperKillCollect = 500 * time.Millisecond
)

// helperRunner runs the short-lived prestart/poststart/stop/poststop
// commands of a service and waits for them through the pid table,
// which the reaper populates with the termination results.
type helperRunner struct {
	log     zzzlogi.Logger
	pids    *pidTable
	emitter *streamEmitter
}

func newHelperRunner(log zzzlogi.Logger, pids *pidTable, emitter *streamEmitter) *helperRunner {
	return &helperRunner{
		log:     log,
		pids:    pids,
		emitter: emitter,
	}
}

// runList runs the given helper command lines sequentially. The
// timeout bounds the whole list: each command waits at most for
// whatever remains of it. The first failure (spawn error, non-zero
// exit, death by signal, or timeout) aborts the list.
func (h *helperRunner) runList(id UnitID, name string, label string, cmds []string, timeout Timeout) error {
	deadline, bounded := timeout.deadline(time.Now())
	for i, cmdline := range cmds {
		t, err := h.runOne(id, name, fmt.Sprintf("%s[%d]", label, i), cmdline, deadline, bounded)
		if err != nil {
			return err
		}
		if t.Signal != 0 || t.Code != 0 {
			return fmt.Errorf("%s command %q for service %s failed: %v", label, cmdline, name, t)
		}
	}
	return nil
}

// runOne spawns a single helper command and waits for its
// termination.
func (h *helperRunner) runOne(id UnitID, name string, label string, cmdline string, deadline time.Time, bounded bool) (ChildTermination, error) {
	// Single-space splitting, no quoting. Same documented limitation
	// as the service command itself.
	parts := strings.Split(cmdline, " ")
	cmd := exec.Command(parts[0], parts[1:]...)
	cmd.Stdin = nil

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return ChildTermination{}, fmt.Errorf("failed to create helper stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return ChildTermination{}, fmt.Errorf("failed to create helper stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	// The helper entry must exist in the pid table before the reaper
	// can possibly observe the child's exit, so the spawn and the
	// insert happen under the table lock.
	h.pids.mu.Lock()
	err = cmd.Start()
	if err == nil {
		h.pids.insertHelperLocked(cmd.Process.Pid, id, label)
	}
	h.pids.mu.Unlock()

	// Parent copies of the write ends are not needed past the fork.
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if err != nil {
		_ = stdoutR.Close()
		_ = stderrR.Close()
		return ChildTermination{}, fmt.Errorf("failed to spawn %s for service %s: %w", label, name, err)
	}

	pid := cmd.Process.Pid
	h.log.Debugf("Service: %s helper %s spawned with pid: %d", name, label, pid)

	t, waitErr := h.waitHelper(pid, name, label, deadline, bounded)
	h.drainOutput(name, stdoutR, stderrR)
	return t, waitErr
}

// waitHelper polls the pid table with exponential backoff until the
// reaper has recorded the helper's termination. On timeout the helper
// is SIGKILLed and its exit entry collected so nothing lingers in the
// table.
func (h *helperRunner) waitHelper(pid int, name string, label string, deadline time.Time, bounded bool) (ChildTermination, error) {
	delay := helperBackoffStart
	for {
		t, done, ok := h.pids.lookupHelper(pid)
		if !ok {
			// A helper pid surfacing as anything but Helper or
			// HelperExited is a bug in the table discipline.
			h.log.Errorf(
				"Service: %s helper %s pid %d has an unexpected pid table state", name, label, pid)
			return ChildTermination{}, fmt.Errorf(
				"unexpected pid table state for helper %s of service %s", label, name)
		}
		if done {
			return t, nil
		}
		if bounded && !time.Now().Before(deadline) {
			break
		}
		time.Sleep(delay)
		delay *= 2
		if delay > helperBackoffCap {
			delay = helperBackoffCap
		}
	}

	h.log.Warnf("Service: %s helper %s pid %d timed out, sending SIGKILL", name, label, pid)
	if err := unix.Kill(pid, unix.SIGKILL); err != nil {
		h.log.Warnf("Service: %s failed to SIGKILL helper pid %d: %v", name, pid, err)
	}

	// Give the reaper a moment to record the kill, then collect the
	// entry.
	collectDeadline := time.Now().Add(helperKillCollect)
	for time.Now().Before(collectDeadline) {
		if _, done, ok := h.pids.lookupHelper(pid); !ok || done {
			return ChildTermination{}, fmt.Errorf("%w: %s command for service %s", ErrHelperTimeout, label, name)
		}
		time.Sleep(helperBackoffCap)
	}
	h.pids.remove(pid)
	return ChildTermination{}, fmt.Errorf("%w: %s command for service %s", ErrHelperTimeout, label, name)
}

// drainOutput reads whatever the helper wrote to its stdout/stderr and
// emits it with the usual per-service prefixes. Reads are bounded by a
// deadline in case a grandchild inherited the pipe and keeps it open.
func (h *helperRunner) drainOutput(name string, stdoutR *os.File, stderrR *os.File) {
	drain := func(kind streamKind, f *os.File) {
		defer f.Close()
		_ = f.SetReadDeadline(time.Now().Add(time.Second))
		data, err := io.ReadAll(f)
		if err != nil && !errors.Is(err, os.ErrDeadlineExceeded) {
			h.log.Debugf("Service: %s failed to drain helper %v: %v", name, kind, err)
		}
		if len(data) == 0 {
			return
		}
		var buffer []byte
		h.emitter.route(kind, name, &buffer, data)
		h.emitter.flush(kind, name, &buffer)
	}
	drain(streamStdout, stdoutR)
	drain(streamStderr, stderrR)
}
