package unitd

import (
	"fmt"
	"net"
	"os"

	"github.com/tuxdude/zzzlogi"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"
)

// SocketListener declares a single listening socket of a socket unit.
type SocketListener struct {
	// Kind of the listener: "tcp" or "unix".
	Kind string `yaml:"kind"`
	// Address to listen on: "host:port" for tcp, a filesystem path
	// for unix.
	Addr string `yaml:"addr"`
}

// SocketConfig is the immutable configuration of a socket unit.
type SocketConfig struct {
	Listeners []SocketListener `yaml:"listen"`
}

// socketUnit is the runtime state of a socket unit, protected by the
// owning unit's lock.
type socketUnit struct {
	conf SocketConfig

	// True once the listeners are open and parked in the fd store.
	activated bool
	// True once a connection attempt has been observed on one of the
	// listeners. Flipping this hands the fds over to the service.
	triggered bool

	// The listeners themselves. Kept referenced so the runtime does
	// not close (and for unix sockets unlink) them behind our back.
	listeners []net.Listener
	// Dup'd listener files, also stored in the fd store under the
	// unit's name. The watcher polls these.
	files []*os.File
}

func newSocketUnit(conf SocketConfig) *socketUnit {
	return &socketUnit{
		conf: conf,
	}
}

// activateSocket opens the listeners of a socket unit and parks their
// fds in the fd store under the unit's name. Re-activation of an
// already active socket is ignored.
func (sv *supervisor) activateSocket(u *unit, sock *socketUnit) (startResult, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	name := u.conf.name

	if sock.activated {
		return resultIgnored, nil
	}
	if len(sock.conf.Listeners) == 0 {
		return resultIgnored, fmt.Errorf("socket unit %s declares no listeners", name)
	}

	var listeners []net.Listener
	var files []*os.File
	cleanup := func() {
		for _, f := range files {
			_ = f.Close()
		}
		for _, ln := range listeners {
			_ = ln.Close()
		}
	}

	for _, lc := range sock.conf.Listeners {
		var ln net.Listener
		var err error
		switch lc.Kind {
		case "tcp":
			ln, err = net.Listen("tcp", lc.Addr)
		case "unix":
			// A stale socket path from a previous run would make the
			// bind fail.
			_ = os.Remove(lc.Addr)
			ln, err = net.Listen("unix", lc.Addr)
		default:
			err = fmt.Errorf("unknown listener kind %q", lc.Kind)
		}
		if err != nil {
			cleanup()
			return resultIgnored, fmt.Errorf("failed to open %s listener %s for %s: %w", lc.Kind, lc.Addr, name, err)
		}

		var file *os.File
		switch l := ln.(type) {
		case *net.TCPListener:
			file, err = l.File()
		case *net.UnixListener:
			file, err = l.File()
		default:
			err = fmt.Errorf("unsupported listener type %T", ln)
		}
		if err != nil {
			_ = ln.Close()
			cleanup()
			return resultIgnored, fmt.Errorf("failed to obtain listener fd for %s: %w", name, err)
		}
		listeners = append(listeners, ln)
		files = append(files, file)
	}

	sock.listeners = listeners
	sock.files = files
	sock.activated = true
	sock.triggered = false
	sv.fdStore.put(name, files)
	sv.log.Infof("Socket: %s is listening (%d fds)", name, len(files))
	sv.bus.notify()
	return resultStarted, nil
}

// closeSocket tears down the listeners of a socket unit. The caller
// holds the unit lock.
func (sv *supervisor) closeSocket(u *unit, sock *socketUnit) {
	sv.fdStore.remove(u.conf.name)
	for _, ln := range sock.listeners {
		_ = ln.Close()
	}
	sock.listeners = nil
	sock.files = nil
	sock.activated = false
	sock.triggered = false
}

// socketWatcher watches the listeners of activated-but-untriggered
// socket units for the first incoming connection and hands the
// corresponding service its start. The structure mirrors a
// multiplexer loop: snapshot under the registry read lock, poll with
// the wakeup fd, refresh on wakeup.
type socketWatcher struct {
	log      zzzlogi.Logger
	registry *unitRegistry
	wakeup   *eventFd
	bus      *wakeupBus
	// onTrigger is invoked (on its own goroutine) with the socket
	// unit's id once a connection attempt has been observed.
	onTrigger func(id UnitID)

	t tomb.Tomb
}

func newSocketWatcher(log zzzlogi.Logger, registry *unitRegistry, wakeup *eventFd, bus *wakeupBus, onTrigger func(id UnitID)) *socketWatcher {
	return &socketWatcher{
		log:       log,
		registry:  registry,
		wakeup:    wakeup,
		bus:       bus,
		onTrigger: onTrigger,
	}
}

func (w *socketWatcher) start() {
	w.t.Go(w.run)
}

func (w *socketWatcher) stop() {
	w.t.Kill(nil)
	w.bus.notify()
	_ = w.t.Wait()
}

// snapshot collects the listener fds of every socket unit that is
// waiting for its first connection.
func (w *socketWatcher) snapshot() []pollTarget {
	var targets []pollTarget
	w.registry.forEach(func(u *unit) {
		sock := u.socket
		if sock == nil {
			return
		}
		u.mu.Lock()
		defer u.mu.Unlock()
		if !sock.activated || sock.triggered {
			return
		}
		for _, f := range sock.files {
			targets = append(targets, pollTarget{fd: int(f.Fd()), id: u.id})
		}
	})
	return targets
}

func (w *socketWatcher) run() error {
	for {
		select {
		case <-w.t.Dying():
			return nil
		default:
		}

		targets := w.snapshot()
		pfds := make([]unix.PollFd, 0, len(targets)+1)
		pfds = append(pfds, unix.PollFd{Fd: int32(w.wakeup.readEnd()), Events: unix.POLLIN})
		for _, tg := range targets {
			pfds = append(pfds, unix.PollFd{Fd: int32(tg.fd), Events: unix.POLLIN})
		}

		n, err := unix.Poll(pfds, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			w.log.Errorf("Socket watcher poll failed: %v", err)
			return err
		}
		if n <= 0 {
			continue
		}
		if pfds[0].Revents != 0 {
			w.wakeup.reset()
			continue
		}

		for i, tg := range targets {
			if pfds[i+1].Revents == 0 {
				continue
			}
			w.trigger(tg.id)
		}
	}
}

// trigger marks a socket unit as triggered and kicks off the start of
// its service. The pending connection itself is left on the listener
// queue for the service to accept.
func (w *socketWatcher) trigger(id UnitID) {
	u := w.registry.get(id)
	if u == nil || u.socket == nil {
		return
	}
	u.mu.Lock()
	already := u.socket.triggered
	u.socket.triggered = true
	u.mu.Unlock()
	if already {
		return
	}
	w.log.Infof("Socket: %s received its first connection", u.conf.name)
	// Drop the fds from this watcher's snapshots right away.
	w.bus.notify()
	go w.onTrigger(id)
}
