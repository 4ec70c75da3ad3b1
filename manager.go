package unitd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/tuxdude/zzzlogi"
	"golang.org/x/sys/unix"
)

var (
	// All the signals the manager monitors. SIGCHLD drives the
	// reaper, SIGTERM/SIGINT initiate shutdown, everything else is
	// forwarded to the supervised services.
	listeningSigs = []os.Signal{
		unix.SIGHUP,  //  1
		unix.SIGINT,  //  2
		unix.SIGQUIT, //  3
		unix.SIGUSR1, // 10
		unix.SIGUSR2, // 12
		unix.SIGPIPE, // 13
		unix.SIGALRM, // 14
		unix.SIGTERM, // 15
		unix.SIGCHLD, // 17
		unix.SIGCONT, // 18
		unix.SIGWINCH, // 28
		unix.SIGIO,   // 29
	}
)

// Index of the socket watcher's eventfd on the wakeup bus, after the
// three multiplexer loops.
const wakeupLoopSocketWatcher = numStreamKinds

// Manager activates and supervises the units loaded from the unit
// directory. A Manager is created with NewManager, which activates
// every unit along the dependency graph before returning.
type Manager interface {
	// Wait blocks until the manager has shut down (a SIGTERM/SIGINT
	// arrived, or Shutdown was called) and every supervised process
	// has been terminated. The return value is the final exit status
	// code to be used.
	Wait() int
	// Shutdown initiates the shutdown sequence without waiting for
	// it to complete.
	Shutdown()
	// StartUnit activates the named unit on demand.
	StartUnit(name string) error
	// StopUnit stops the named service unit on demand.
	StopUnit(name string) error
}

// Config carries the paths and IO sinks of the manager.
type Config struct {
	// Directory the *.unit declaration files are loaded from.
	UnitDir string
	// Directory the per-service notification sockets are created
	// under.
	NotificationDir string
	// Destinations for the prefixed service stdout/stderr lines.
	// Default to the manager's own stdout/stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// managerImpl is the implementation of the unit manager.
type managerImpl struct {
	// Logger used by the manager.
	log zzzlogi.Logger
	// Final exit status code to return from Wait.
	finalExitCode int
	// The channel used to receive notifications about signals from the OS.
	sigCh chan os.Signal
	// The channel used to notify that the signal handler goroutine has exited.
	sigHandlerDoneCh chan interface{}
	// Closed once the shutdown sequence has completed.
	shutdownDoneCh chan interface{}

	registry *unitRegistry
	pids     *pidTable
	fdStore  *fdStore
	bus      *wakeupBus
	emitter  *streamEmitter

	// Zombie process reaper.
	reaper *zombieReaper
	// Service launcher.
	launcher *serviceLauncher
	// Helper command runner.
	helpers *helperRunner
	// Per-service state machine.
	sup *supervisor
	// Stream multiplexer loops.
	mux *multiplexer
	// Socket activation watcher.
	watcher *socketWatcher

	// Mutex controlling access to the field shuttingDown.
	stateMu sync.Mutex
	// True if shutting down, false otherwise.
	shuttingDown bool
}

func sigInfo(sig unix.Signal) string {
	return fmt.Sprintf("%s(%d){%q}", unix.SignalName(sig), sig, os.Signal(sig))
}

// NewManager loads the unit declarations, performs the necessary
// initialization (reaper, multiplexer, socket watcher), and activates
// every unit along the dependency graph.
func NewManager(log zzzlogi.Logger, conf Config) (Manager, error) {
	decls, err := loadUnitDir(log, conf.UnitDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load units: %w", err)
	}
	registry, err := buildRegistry(decls)
	if err != nil {
		return nil, fmt.Errorf("failed to build unit registry: %w", err)
	}
	return newManagerWithRegistry(log, conf, registry)
}

// newManagerWithRegistry wires up and boots a manager around an
// already built registry.
func newManagerWithRegistry(log zzzlogi.Logger, conf Config, registry *unitRegistry) (*managerImpl, error) {
	if err := os.MkdirAll(conf.NotificationDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create notification directory: %w", err)
	}
	stdout := conf.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := conf.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	// One wakeup eventfd per blocking loop: three multiplexer streams
	// plus the socket watcher.
	bus, err := newWakeupBus(numStreamKinds + 1)
	if err != nil {
		return nil, err
	}

	m := &managerImpl{
		log:              log,
		finalExitCode:    0,
		sigCh:            make(chan os.Signal, 10),
		sigHandlerDoneCh: make(chan interface{}, 1),
		shutdownDoneCh:   make(chan interface{}, 1),
		registry:         registry,
		pids:             newPidTable(),
		fdStore:          newFdStore(),
		bus:              bus,
		emitter:          newStreamEmitter(stdout, stderr),
	}
	m.reaper = newZombieReaper(log)
	m.launcher = newServiceLauncher(log, conf.NotificationDir, m.fdStore)
	m.helpers = newHelperRunner(log, m.pids, m.emitter)
	m.sup = &supervisor{
		log:          log,
		registry:     registry,
		pids:         m.pids,
		bus:          bus,
		fdStore:      m.fdStore,
		launcher:     m.launcher,
		helpers:      m.helpers,
		emitter:      m.emitter,
		dbus:         systemBusWaiter{},
		shuttingDown: m.isShuttingDown,
	}
	m.mux = newMultiplexer(log, registry, bus, m.emitter)
	m.watcher = newSocketWatcher(
		log, registry, bus.loopFd(wakeupLoopSocketWatcher), bus, m.socketTriggered)

	readyCh := make(chan interface{}, 1)
	go m.signalHandler(readyCh)
	<-readyCh

	m.mux.start()
	m.watcher.start()

	activator := newActivator(log, registry, m.sup.activateUnit)
	if err := activator.run(); err != nil {
		m.shutDown()
		return nil, fmt.Errorf("failed to activate units, reason: %v", err)
	}

	return m, nil
}

// Wait performs a blocking wait until the manager has shut down.
func (m *managerImpl) Wait() int {
	<-m.shutdownDoneCh
	return m.finalExitCode
}

// Shutdown initiates the shutdown sequence asynchronously.
func (m *managerImpl) Shutdown() {
	go m.shutDown()
}

// StartUnit activates the named unit on demand.
func (m *managerImpl) StartUnit(name string) error {
	u := m.registry.byName(name)
	if u == nil {
		return fmt.Errorf("unknown unit %q", name)
	}
	_, err := m.sup.activateUnit(u.id)
	return err
}

// StopUnit stops the named service unit on demand.
func (m *managerImpl) StopUnit(name string) error {
	u := m.registry.byName(name)
	if u == nil {
		return fmt.Errorf("unknown unit %q", name)
	}
	if u.service == nil {
		return fmt.Errorf("unit %q is not a service", name)
	}
	return m.sup.stopService(u.id, u, u.service, u.conf.name)
}

// signalHandler registers signals to get notified on, and blocks in a
// loop to receive and handle signals. If sigCh is closed, the loop
// terminates and control exits this function.
func (m *managerImpl) signalHandler(readyCh chan interface{}) {
	signal.Notify(m.sigCh, listeningSigs...)
	readyCh <- nil
	close(readyCh)

	for {
		osSig, ok := <-m.sigCh
		if !ok {
			m.log.Debugf("Signal handler is exiting ...")
			m.sigHandlerDoneCh <- nil
			close(m.sigHandlerDoneCh)
			return
		}

		sig := osSig.(unix.Signal)
		m.log.Debugf("Signal Handler received %s", sigInfo(sig))
		switch sig {
		case unix.SIGCHLD:
			procs := m.reaper.reap()
			go m.handleProcTermination(procs)
		case unix.SIGTERM, unix.SIGINT:
			go m.shutDown()
		default:
			go m.multicastSig(sig)
		}
	}
}

// handleProcTermination handles the termination of the specified
// processes: helper entries flip to their exited state for the waiter
// to collect, service entries dispatch service exit handling.
func (m *managerImpl) handleProcTermination(procs []reapedProcInfo) {
	for _, proc := range procs {
		m.log.Debugf("Observed reaped pid: %d termination: %v", proc.pid, proc.termination)
		entry, isService, ok := m.pids.reapTransition(proc.pid, proc.termination)
		if !ok {
			// We could be reaping processes that weren't spawned by
			// us directly (likely a child of one of our services).
			m.log.Warnf("Reaped pid: %d which has no pid table entry", proc.pid)
			continue
		}
		if isService {
			m.sup.handleServiceExit(proc.pid, proc.termination, entry.unit)
		}
	}
}

func (m *managerImpl) isShuttingDown() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.shuttingDown
}

func (m *managerImpl) markShutDown() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.shuttingDown {
		return false
	}
	m.shuttingDown = true
	return true
}

// multicastSig forwards the specified signal to the process group of
// every running service managed by the manager.
func (m *managerImpl) multicastSig(sig unix.Signal) int {
	pids := m.pids.servicePids()

	count := len(pids)
	if count > 0 {
		m.log.Infof(
			"Signal Forwarder - Multicasting signal: %s to %d services",
			sigInfo(sig),
			count,
		)
	}

	for _, pid := range pids {
		// Deliver to the whole process group.
		err := unix.Kill(-pid, sig)
		if err != nil {
			m.log.Warnf("Error sending signal: %s to process group: %d", sigInfo(sig), -pid)
		}
	}
	return count
}

// shutDown stops every service in an orderly fashion, escalates to
// SIGTERM/SIGKILL sweeps for whatever remains, and finally tears down
// the sockets, the watcher loops and the signal handler.
func (m *managerImpl) shutDown() {
	if !m.markShutDown() {
		// We are already in the middle of a shut down, nothing more to do.
		return
	}
	m.log.Infof("Shutting down ...")

	// Orderly stop of every service unit first, so the configured
	// stop/poststop commands get their chance.
	m.registry.forEach(func(u *unit) {
		if u.service == nil {
			return
		}
		go func(id UnitID, u *unit) {
			if err := m.sup.stopService(id, u, u.service, u.conf.name); err != nil {
				m.log.Errorf("Service: %s shutdown stop failed: %v", u.conf.name, err)
			}
		}(u.id, u)
	})

	// Escalating sweep for any process still alive, terminating with
	// SIGKILL on the final attempt.
	sig := unix.SIGTERM
	totalAttempts := 3
	pendingTries := totalAttempts + 1
	for pendingTries > 0 {
		if pendingTries == 1 {
			sig = unix.SIGKILL
		}
		pendingTries--

		count := m.multicastSig(sig)
		if count == 0 {
			break
		}
		if pendingTries > 0 {
			m.log.Infof(
				"Graceful termination Attempt [%d/%d] - Sent signal %s to %d services",
				totalAttempts+1-pendingTries,
				totalAttempts,
				sigInfo(sig),
				count,
			)
		} else {
			m.log.Infof("All graceful termination attempts exhausted, sent signal %s to %d services", sigInfo(sig), count)
		}

		sleepUntil := time.NewTimer(5 * time.Second)
		tick := time.NewTicker(10 * time.Millisecond)
		keepWaiting := true
		for keepWaiting {
			select {
			case <-tick.C:
				if len(m.pids.servicePids()) == 0 {
					keepWaiting = false
					pendingTries = 0
				}
			case <-sleepUntil.C:
				keepWaiting = false
			}
		}
		sleepUntil.Stop()
		tick.Stop()
	}

	// Close the socket units and their parked fds.
	m.registry.forEach(func(u *unit) {
		if u.socket == nil {
			return
		}
		u.mu.Lock()
		m.sup.closeSocket(u, u.socket)
		u.mu.Unlock()
	})
	m.fdStore.closeAll()

	m.watcher.stop()
	m.mux.stop()
	m.shutDownSignalHandler()
	m.bus.close()
	m.log.Infof("All services have terminated!")

	m.shutdownDoneCh <- nil
	close(m.shutdownDoneCh)
}

// shutDownSignalHandler gracefully shuts down the signal handler goroutine.
func (m *managerImpl) shutDownSignalHandler() {
	signal.Reset()
	close(m.sigCh)

	// Wait for the signal handler goroutine to exit gracefully
	// within a period of 100ms after which we give up and exit
	// anyway since the rest of the clean up is complete.
	timeout := time.NewTimer(100 * time.Millisecond)
	select {
	case <-m.sigHandlerDoneCh:
		m.log.Debugf("Signal handler has exited")
	case <-timeout.C:
		m.log.Debugf("Signal handler did not exit, giving up and proceeding with termination")
	}
	timeout.Stop()
}

// socketTriggered starts every service that declared the triggered
// socket unit. Invoked by the socket watcher on first connection.
func (m *managerImpl) socketTriggered(socketID UnitID) {
	sock := m.registry.get(socketID)
	if sock == nil {
		return
	}
	var services []*unit
	m.registry.forEach(func(u *unit) {
		if u.service == nil {
			return
		}
		for _, name := range u.service.conf.Sockets {
			if name == sock.conf.name {
				services = append(services, u)
				break
			}
		}
	})
	for _, u := range services {
		m.log.Infof("Service: %s starts due to socket activation of %s", u.conf.name, sock.conf.name)
		if _, err := m.sup.startService(u.id, u, u.service, false); err != nil {
			m.log.Errorf("Service: %s socket-activated start failed: %v", u.conf.name, err)
		}
	}
}
