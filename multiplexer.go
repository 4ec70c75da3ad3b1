package unitd

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/tuxdude/zzzlogi"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"
)

// streamKind identifies one of the three multiplexed per-service
// streams. The value doubles as the index of the wakeup eventfd owned
// by the loop handling that stream.
type streamKind int

const (
	streamNotify streamKind = iota
	streamStdout
	streamStderr

	numStreamKinds = 3
)

func (k streamKind) String() string {
	switch k {
	case streamNotify:
		return "notify"
	case streamStdout:
		return "stdout"
	case streamStderr:
		return "stderr"
	}
	return "unknown"
}

// Bounded read size for a single multiplexer read.
const streamReadChunk = 512

// streamEmitter serializes the prefixed line output of all services
// onto the manager's stdout/stderr.
type streamEmitter struct {
	mu     sync.Mutex
	stdout io.Writer
	stderr io.Writer
}

func newStreamEmitter(stdout io.Writer, stderr io.Writer) *streamEmitter {
	return &streamEmitter{
		stdout: stdout,
		stderr: stderr,
	}
}

// emit writes a single line for a service, prefixed per the stream
// convention.
func (e *streamEmitter) emit(kind streamKind, name string, line []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if kind == streamStderr {
		fmt.Fprintf(e.stderr, "[%s][STDERR] %s\n", name, line)
	} else {
		fmt.Fprintf(e.stdout, "[%s] %s\n", name, line)
	}
}

// route appends freshly read bytes to the carried partial-line buffer,
// emits every complete line (empty lines are dropped), and leaves the
// trailing partial in the buffer for the next read.
func (e *streamEmitter) route(kind streamKind, name string, buffer *[]byte, data []byte) {
	*buffer = append(*buffer, data...)
	for {
		idx := bytes.IndexByte(*buffer, '\n')
		if idx < 0 {
			return
		}
		line := (*buffer)[:idx]
		if len(line) > 0 {
			e.emit(kind, name, line)
		}
		*buffer = (*buffer)[idx+1:]
	}
}

// flush emits a pending partial line as if it had been terminated by a
// newline. Used when the stream ends (EOF or service exit) with a
// dangling tail.
func (e *streamEmitter) flush(kind streamKind, name string, buffer *[]byte) {
	if len(*buffer) == 0 {
		return
	}
	e.emit(kind, name, *buffer)
	*buffer = nil
}

// pollTarget is one entry of a multiplexer snapshot.
type pollTarget struct {
	fd int
	id UnitID
}

// multiplexer runs one reader loop per stream kind. Each loop
// snapshots the relevant fd of every service under the registry read
// lock, blocks on poll over the snapshot plus its wakeup eventfd, and
// routes whatever becomes readable. Snapshots are eventually
// consistent: whenever the fd set changes the wakeup bus forces a
// refresh, and reads on fds that went stale in between are tolerated.
type multiplexer struct {
	log      zzzlogi.Logger
	registry *unitRegistry
	bus      *wakeupBus
	emitter  *streamEmitter

	t tomb.Tomb
}

func newMultiplexer(log zzzlogi.Logger, registry *unitRegistry, bus *wakeupBus, emitter *streamEmitter) *multiplexer {
	return &multiplexer{
		log:      log,
		registry: registry,
		bus:      bus,
		emitter:  emitter,
	}
}

// start launches the three reader loops.
func (m *multiplexer) start() {
	for kind := streamKind(0); kind < numStreamKinds; kind++ {
		kind := kind
		m.t.Go(func() error {
			return m.run(kind)
		})
	}
}

// stop terminates the reader loops and waits for them to exit.
func (m *multiplexer) stop() {
	m.t.Kill(nil)
	m.bus.notify()
	_ = m.t.Wait()
}

// snapshot collects the fd of every service for the given stream kind.
func (m *multiplexer) snapshot(kind streamKind) []pollTarget {
	var targets []pollTarget
	m.registry.forEach(func(u *unit) {
		s := u.service
		if s == nil {
			return
		}
		u.mu.Lock()
		defer u.mu.Unlock()
		switch kind {
		case streamNotify:
			if s.notifyFd >= 0 {
				targets = append(targets, pollTarget{fd: s.notifyFd, id: u.id})
			}
		case streamStdout:
			if s.stdoutPipe != nil && !s.stdoutEOF {
				targets = append(targets, pollTarget{fd: int(s.stdoutPipe.Fd()), id: u.id})
			}
		case streamStderr:
			if s.stderrPipe != nil && !s.stderrEOF {
				targets = append(targets, pollTarget{fd: int(s.stderrPipe.Fd()), id: u.id})
			}
		}
	})
	return targets
}

// run is the body of one reader loop.
func (m *multiplexer) run(kind streamKind) error {
	efd := m.bus.loopFd(int(kind))
	m.log.Debugf("Multiplexer %v loop started", kind)

	for {
		select {
		case <-m.t.Dying():
			m.log.Debugf("Multiplexer %v loop exiting", kind)
			return nil
		default:
		}

		targets := m.snapshot(kind)
		pfds := make([]unix.PollFd, 0, len(targets)+1)
		pfds = append(pfds, unix.PollFd{Fd: int32(efd.readEnd()), Events: unix.POLLIN})
		for _, tg := range targets {
			pfds = append(pfds, unix.PollFd{Fd: int32(tg.fd), Events: unix.POLLIN})
		}

		n, err := unix.Poll(pfds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			m.log.Errorf("Multiplexer %v poll failed: %v", kind, err)
			return err
		}
		if n <= 0 {
			continue
		}
		if pfds[0].Revents != 0 {
			// The fd set changed, drain the wakeup and re-snapshot.
			efd.reset()
			continue
		}
		for i, tg := range targets {
			if pfds[i+1].Revents == 0 {
				continue
			}
			m.readTarget(kind, tg)
		}
	}
}

// readTarget performs one bounded read on a ready fd and routes the
// result. The fd is re-validated against the service under the unit
// lock: if the service was stopped and restarted since the snapshot
// the stale fd is simply skipped until the next refresh.
func (m *multiplexer) readTarget(kind streamKind, tg pollTarget) {
	u := m.registry.get(tg.id)
	if u == nil || u.service == nil {
		return
	}
	s := u.service
	name := u.conf.name

	u.mu.Lock()
	defer u.mu.Unlock()

	var current int
	switch kind {
	case streamNotify:
		current = s.notifyFd
	case streamStdout:
		current = -1
		if s.stdoutPipe != nil {
			current = int(s.stdoutPipe.Fd())
		}
	case streamStderr:
		current = -1
		if s.stderrPipe != nil {
			current = int(s.stderrPipe.Fd())
		}
	}
	if current != tg.fd {
		return
	}

	var buf [streamReadChunk]byte
	n, err := unix.Read(tg.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		// Typically EBADF from a service that was torn down between
		// the snapshot and the read. Never fatal.
		m.log.Warnf("Multiplexer %v read for service %s failed: %v", kind, name, err)
		return
	}

	switch kind {
	case streamNotify:
		if n == 0 {
			return
		}
		s.appendNotification(buf[:n], name, m.log)
		s.consumeNotifications(name, m.log)
	case streamStdout:
		if n == 0 {
			// Child closed its end; flush the dangling tail and stop
			// watching this pipe.
			m.emitter.flush(kind, name, &s.stdoutBuffer)
			s.stdoutEOF = true
			return
		}
		m.emitter.route(kind, name, &s.stdoutBuffer, buf[:n])
	case streamStderr:
		if n == 0 {
			m.emitter.flush(kind, name, &s.stderrBuffer)
			s.stderrEOF = true
			return
		}
		m.emitter.route(kind, name, &s.stderrBuffer, buf[:n])
	}
}
