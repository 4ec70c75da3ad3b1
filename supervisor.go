package unitd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tuxdude/zzzlogi"
	"golang.org/x/sys/unix"
)

// startResult is the outcome of a unit activation attempt that did not
// fail outright.
type startResult int

const (
	// resultStarted means the unit was activated; its before-set can
	// be walked.
	resultStarted startResult = iota
	// resultIgnored means the unit's after-predecessors are not all
	// started yet; the completion of the missing predecessor will
	// re-enqueue it.
	resultIgnored
	// resultWaitingForSocket means the service deferred its start to
	// the first connection on one of its sockets.
	resultWaitingForSocket
)

// supervisor implements the per-service state machine (prestart →
// start → wait-ready → poststart → running → stop → poststop) plus
// unit activation dispatch and service exit handling.
type supervisor struct {
	log      zzzlogi.Logger
	registry *unitRegistry
	pids     *pidTable
	bus      *wakeupBus
	fdStore  *fdStore
	launcher *serviceLauncher
	helpers  *helperRunner
	emitter  *streamEmitter
	dbus     dbusNameWaiter
	// shuttingDown reports whether the manager is tearing everything
	// down; exit handling then skips keep-alive restarts and cascades.
	shuttingDown func() bool
}

// activateUnit activates a single unit, dispatching on its
// specialization. Lock discipline: the unit and its
// needed-for-activation set are locked in ascending id order under the
// registry read lock for the dependency validation, then released
// before the (potentially long) start sequence runs with its own
// bounded critical sections.
func (sv *supervisor) activateUnit(id UnitID) (startResult, error) {
	u, deps, release := sv.registry.lockWithActivationSet(id)
	if u == nil {
		return resultIgnored, fmt.Errorf("tried to activate unknown unit id %d", id)
	}
	for _, dep := range deps {
		if dep.socket != nil && !dep.socket.activated {
			// The socket unit this service needs has not opened its
			// listeners yet; the activator re-enqueues the service
			// once the socket completes.
			release()
			sv.log.Debugf("Unit: %s ignores activation, socket %s not yet active",
				u.conf.name, dep.conf.name)
			return resultIgnored, nil
		}
	}
	release()

	switch {
	case u.service != nil:
		return sv.startService(id, u, u.service, true)
	case u.socket != nil:
		return sv.activateSocket(u, u.socket)
	case u.target != nil:
		sv.log.Infof("Reached target: %s", u.conf.name)
		return resultStarted, nil
	}
	return resultIgnored, fmt.Errorf("unit %s has no specialization", u.conf.name)
}

// startService runs the full start sequence for a service. With
// allowIgnore set, a service that declares sockets none of which have
// seen a connection yet defers to socket activation instead of
// starting.
func (sv *supervisor) startService(id UnitID, u *unit, s *service, allowIgnore bool) (startResult, error) {
	name := u.conf.name

	if allowIgnore && len(s.conf.Sockets) > 0 && !sv.anySocketTriggered(s.conf.Sockets) {
		sv.log.Infof("Service: %s defers start until one of its sockets is triggered", name)
		return resultWaitingForSocket, nil
	}

	// Preconditions and fd preparation, under the unit lock.
	u.mu.Lock()
	if s.pid != 0 || s.processGroup != 0 {
		u.mu.Unlock()
		return resultIgnored, fmt.Errorf("%w: %s (pid: %d)", ErrAlreadyRunning, name, s.pid)
	}
	s.status = StatusStarting
	s.signaledReady = false
	if err := sv.launcher.prepare(s, name); err != nil {
		s.status = StatusStopped
		u.mu.Unlock()
		return resultIgnored, fmt.Errorf("%w: %v", ErrPrepareFailed, err)
	}
	conf := s.conf
	u.mu.Unlock()
	sv.bus.notify()

	// Prestart helpers, no locks held.
	if err := sv.helpers.runList(id, name, "startpre", conf.StartPre, conf.startTimeout()); err != nil {
		startErr := fmt.Errorf("%w: %v", ErrPrestartFailed, err)
		return resultIgnored, sv.joinPoststop(id, u, s, name, startErr)
	}

	// Fork and pid table insert form one critical section: the reaper
	// cannot observe the child before its entry exists, and the
	// multiplexer is woken up to pick up the new fds.
	u.mu.Lock()
	sv.pids.mu.Lock()
	err := sv.launcher.spawn(s, name)
	if err != nil {
		sv.pids.mu.Unlock()
		sv.launcher.cleanup(s)
		s.status = StatusStopped
		u.mu.Unlock()
		return resultIgnored, fmt.Errorf("%w: %v", ErrForkExecFailed, err)
	}
	sv.pids.insertServiceLocked(s.pid, id, conf.Type)
	sv.pids.mu.Unlock()
	pid := s.pid
	u.mu.Unlock()
	sv.bus.notify()

	// Readiness, per service type.
	switch conf.Type {
	case ServiceNotify:
		if err := sv.waitNotifyReady(u, s, name, conf.startTimeout()); err != nil {
			// The service stays in Starting and keeps running; only
			// the caller learns about the timeout.
			return resultIgnored, err
		}
	case ServiceDbus:
		if err := sv.waitDbusReady(u, s, name, conf.DbusName); err != nil {
			return resultIgnored, err
		}
	default:
		// Simple services are ready as soon as the fork succeeded.
		// The process may already have exited and been reaped by now;
		// in that case the exit handler won the race and the Stopped
		// state stands.
		u.mu.Lock()
		if s.pid == pid {
			s.status = StatusRunning
			s.runtimeInfo.upSince = time.Now()
		}
		u.mu.Unlock()
	}
	sv.log.Infof("Service: %s is running (pid: %d)", name, pid)

	// Poststart helpers.
	if err := sv.helpers.runList(id, name, "startpost", conf.StartPost, conf.startTimeout()); err != nil {
		sv.killServiceProcess(u, s, name)
		startErr := fmt.Errorf("%w: %v", ErrPoststartFailed, err)
		return resultIgnored, sv.joinPoststop(id, u, s, name, startErr)
	}

	return resultStarted, nil
}

// waitNotifyReady blocks until the service has processed a READY=1
// notification or the timeout elapses. Datagrams may equally well be
// picked up by the notify multiplexer loop; both readers feed the same
// buffer under the unit lock, so this loop only has to watch the
// status flip to Running.
func (sv *supervisor) waitNotifyReady(u *unit, s *service, name string, timeout Timeout) error {
	deadline, bounded := timeout.deadline(time.Now())
	var buf [streamReadChunk]byte
	for {
		u.mu.Lock()
		status := s.status
		fd := s.notifyFd
		u.mu.Unlock()

		if status == StatusRunning {
			return nil
		}
		if fd < 0 {
			return fmt.Errorf("service %s lost its notification socket while starting", name)
		}
		if bounded && !time.Now().Before(deadline) {
			sv.log.Warnf("Service: %s did not signal READY within %v", name, timeout)
			return fmt.Errorf("%w: %s", ErrReadyTimeout, name)
		}

		// Cap each poll so a status flip by the multiplexer is
		// observed promptly even when no further datagrams arrive.
		pollTimeout := 100 * time.Millisecond
		if bounded {
			if remaining := time.Until(deadline); remaining < pollTimeout {
				pollTimeout = remaining
			}
			if pollTimeout < time.Millisecond {
				pollTimeout = time.Millisecond
			}
		}
		pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfds, int(pollTimeout/time.Millisecond))
		if err != nil && err != unix.EINTR {
			return fmt.Errorf("poll on notification socket of %s failed: %w", name, err)
		}
		if n <= 0 || pfds[0].Revents == 0 {
			continue
		}
		// Read under the unit lock, like the multiplexer does, so the
		// two readers cannot append datagrams out of receive order.
		u.mu.Lock()
		if s.notifyFd == fd {
			nr, err := unix.Read(fd, buf[:])
			if err == nil && nr > 0 {
				s.appendNotification(buf[:nr], name, sv.log)
				s.consumeNotifications(name, sv.log)
			}
		}
		u.mu.Unlock()
	}
}

// waitDbusReady polls the system bus for the service's configured name
// for up to dbusWaitTimeout. A timeout leaves the service running in
// Starting; whether to kill it is deliberately not decided here.
func (sv *supervisor) waitDbusReady(u *unit, s *service, name string, busName string) error {
	if busName == "" {
		return fmt.Errorf("service %s is of type dbus but has no bus name configured", name)
	}
	found, err := sv.dbus.waitForName(busName, dbusWaitTimeout)
	if err != nil {
		return fmt.Errorf("error while waiting for bus name %s: %w", busName, err)
	}
	if !found {
		sv.log.Warnf("Service: %s did not claim bus name %s within %v", name, busName, dbusWaitTimeout)
		return fmt.Errorf("%w: %s (bus name %s)", ErrReadyTimeout, name, busName)
	}
	u.mu.Lock()
	if s.pid != 0 && s.status == StatusStarting {
		s.status = StatusRunning
		s.runtimeInfo.upSince = time.Now()
	}
	u.mu.Unlock()
	return nil
}

// joinPoststop runs the poststop commands after a failed start and
// folds their outcome into the start error.
func (sv *supervisor) joinPoststop(id UnitID, u *unit, s *service, name string, startErr error) error {
	var poststopErr error
	if len(s.conf.StopPost) > 0 {
		if err := sv.helpers.runList(id, name, "stoppost", s.conf.StopPost, s.conf.stopTimeout()); err != nil {
			poststopErr = fmt.Errorf("%w: %v", ErrPoststopFailed, err)
		}
	}
	u.mu.Lock()
	sv.launcher.cleanup(s)
	s.status = StatusStopped
	u.mu.Unlock()
	sv.bus.notify()
	if poststopErr != nil {
		return errors.Join(startErr, poststopErr)
	}
	return startErr
}

// drainServiceOutput pulls whatever is still buffered in the service's
// stdio pipes and emits it, flushing dangling partial lines, before the
// pipes get closed. Reads are nonblocking: output a surviving
// grandchild has not written yet is not waited for. The caller holds
// the unit lock.
func (sv *supervisor) drainServiceOutput(s *service, name string) {
	drain := func(kind streamKind, f *os.File, buffer *[]byte) {
		if f != nil {
			fd := int(f.Fd())
			_ = unix.SetNonblock(fd, true)
			var buf [streamReadChunk]byte
			for {
				n, err := unix.Read(fd, buf[:])
				if err != nil || n <= 0 {
					break
				}
				sv.emitter.route(kind, name, buffer, buf[:n])
			}
		}
		sv.emitter.flush(kind, name, buffer)
	}
	drain(streamStdout, s.stdoutPipe, &s.stdoutBuffer)
	drain(streamStderr, s.stderrPipe, &s.stderrBuffer)
}

// killServiceProcess delivers SIGKILL to the service's process group
// and clears the runtime pid state. The pid table entry is left for
// the reaper, whose exit handling recognizes the already-cleared pid
// and skips restart/cascade processing.
func (sv *supervisor) killServiceProcess(u *unit, s *service, name string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if s.processGroup == 0 {
		return
	}
	if err := unix.Kill(s.processGroup, unix.SIGKILL); err != nil {
		sv.log.Warnf("Service: %s failed to kill process group %d: %v", name, s.processGroup, err)
	}
	s.pid = 0
	s.processGroup = 0
}

// stopService runs the orderly stop sequence: stop helpers, SIGKILL of
// the process group, poststop helpers. Stop and poststop failures are
// reported jointly. Stopping a service that is not running is a no-op
// on the process side and still runs the configured commands, so a
// second stop with no commands configured returns nil.
func (sv *supervisor) stopService(id UnitID, u *unit, s *service, name string) error {
	var stopErr error
	if len(s.conf.Stop) > 0 {
		if err := sv.helpers.runList(id, name, "stop", s.conf.Stop, s.conf.stopTimeout()); err != nil {
			stopErr = fmt.Errorf("%w: %v", ErrStopFailed, err)
		}
	}

	u.mu.Lock()
	if s.processGroup != 0 {
		if err := unix.Kill(s.processGroup, unix.SIGKILL); err != nil {
			sv.log.Warnf("Service: %s failed to kill process group %d: %v", name, s.processGroup, err)
		}
	}
	s.pid = 0
	s.processGroup = 0
	if s.status != StatusNeverRan {
		s.status = StatusStopped
	}
	sv.drainServiceOutput(s, name)
	sv.launcher.cleanup(s)
	u.mu.Unlock()
	sv.bus.notify()

	var poststopErr error
	if len(s.conf.StopPost) > 0 {
		if err := sv.helpers.runList(id, name, "stoppost", s.conf.StopPost, s.conf.stopTimeout()); err != nil {
			poststopErr = fmt.Errorf("%w: %v", ErrPoststopFailed, err)
		}
	}
	if stopErr != nil || poststopErr != nil {
		return errors.Join(stopErr, poststopErr)
	}
	return nil
}

// handleServiceExit processes the reaped exit of a service process:
// clear the runtime state, then either restart (keep-alive) or stop
// everything that required the service.
func (sv *supervisor) handleServiceExit(pid int, t ChildTermination, id UnitID) {
	u, _, release := sv.registry.lockWithActivationSet(id)
	if u == nil {
		sv.log.Warnf("Reaped service pid %d references unknown unit id %d", pid, id)
		return
	}
	s := u.service
	if s == nil {
		release()
		sv.log.Warnf("Reaped service pid %d references non-service unit %s", pid, u.conf.name)
		return
	}
	name := u.conf.name
	if s.pid != pid {
		// An orderly stop (or a failed start) already cleared the
		// runtime state for this pid.
		release()
		sv.log.Debugf("Service: %s pid %d was already cleaned up", name, pid)
		return
	}

	sv.log.Infof("Service: %s (pid: %d) exited with %v", name, pid, t)
	s.status = StatusStopped
	s.pid = 0
	s.processGroup = 0
	sv.drainServiceOutput(s, name)
	sv.launcher.cleanup(s)
	keepAlive := s.conf.KeepAlive
	requiredBy := make([]UnitID, 0, len(u.install.requiredBy))
	for rid := range u.install.requiredBy {
		requiredBy = append(requiredBy, rid)
	}
	release()
	sv.bus.notify()

	if sv.shuttingDown() {
		// The shutdown sweep owns process teardown from here on.
		return
	}

	if keepAlive {
		u.mu.Lock()
		s.runtimeInfo.restarted++
		restarted := s.runtimeInfo.restarted
		u.mu.Unlock()
		sv.log.Infof("Service: %s keep-alive restart (count: %d)", name, restarted)
		if _, err := sv.startService(id, u, s, false); err != nil {
			sv.log.Errorf("Service: %s keep-alive restart failed: %v", name, err)
		}
		return
	}

	visited := map[UnitID]struct{}{id: {}}
	sv.stopCascade(requiredBy, visited)
}

// stopCascade stops every service in ids and, transitively, every
// service that required one of them.
func (sv *supervisor) stopCascade(ids []UnitID, visited map[UnitID]struct{}) {
	for _, id := range ids {
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		u := sv.registry.get(id)
		if u == nil || u.service == nil {
			continue
		}
		sv.log.Infof("Service: %s stops because a service it requires exited", u.conf.name)
		if err := sv.stopService(id, u, u.service, u.conf.name); err != nil {
			sv.log.Errorf("Service: %s cascade stop failed: %v", u.conf.name, err)
		}
		next := make([]UnitID, 0, len(u.install.requiredBy))
		for rid := range u.install.requiredBy {
			next = append(next, rid)
		}
		sv.stopCascade(next, visited)
	}
}

// anySocketTriggered reports whether any of the named socket units has
// seen a connection.
func (sv *supervisor) anySocketTriggered(names []string) bool {
	for _, name := range names {
		u := sv.registry.byName(name)
		if u == nil || u.socket == nil {
			continue
		}
		u.mu.Lock()
		triggered := u.socket.triggered
		u.mu.Unlock()
		if triggered {
			return true
		}
	}
	return false
}
