package unitd

import (
	"fmt"
	"os"
	"time"

	"github.com/tuxdude/zzzlogi"
)

// ServiceType determines how the manager decides that a started
// service is ready.
type ServiceType string

const (
	// ServiceSimple services are considered ready as soon as the
	// process has been forked.
	ServiceSimple ServiceType = "simple"
	// ServiceNotify services report readiness with a READY=1 datagram
	// on their notification socket.
	ServiceNotify ServiceType = "notify"
	// ServiceDbus services are considered ready once their configured
	// name appears on the system bus.
	ServiceDbus ServiceType = "dbus"
)

// ServiceStatus is the lifecycle state of a service.
type ServiceStatus int

const (
	// StatusNeverRan means the service has not been started since
	// load.
	StatusNeverRan ServiceStatus = iota
	// StatusStarting means the process has been (or is being) forked
	// but readiness has not been established.
	StatusStarting
	// StatusRunning means the service is up.
	StatusRunning
	// StatusStopped means the service has exited or been stopped.
	StatusStopped
)

// String returns the string representation of the status.
func (s ServiceStatus) String() string {
	switch s {
	case StatusNeverRan:
		return "NeverRan"
	case StatusStarting:
		return "Starting"
	case StatusRunning:
		return "Running"
	case StatusStopped:
		return "Stopped"
	}
	return "Unknown"
}

const (
	// Upper bound on the notification buffer. A misbehaving child
	// cannot grow the buffer beyond this, further bytes are dropped
	// with a warning until complete lines have been consumed.
	notificationsBufferCap = 64 * 1024
	// Upper bound on retained STATUS= messages, oldest evicted first.
	statusMsgsCap = 16
)

// ServiceConfig is the immutable configuration of a service, consumed
// as parsed by the unit loader.
type ServiceConfig struct {
	// Command line that runs the service process. Split on single
	// spaces, no quoting or escaping.
	Cmd string `yaml:"cmd"`
	// Helper command lines run sequentially before/after start and
	// stop. Same splitting rules as Cmd.
	StartPre  []string `yaml:"start-pre"`
	StartPost []string `yaml:"start-post"`
	Stop      []string `yaml:"stop"`
	StopPost  []string `yaml:"stop-post"`
	// Readiness protocol of the service.
	Type ServiceType `yaml:"type"`
	// Bus name to wait for, only meaningful for dbus services.
	DbusName string `yaml:"dbus-name"`
	// Restart the service whenever its process exits.
	KeepAlive bool `yaml:"keep-alive"`
	// Names of the socket units whose fds are passed to the child.
	Sockets []string `yaml:"sockets"`

	StartTimeout   Timeout `yaml:"start-timeout"`
	StopTimeout    Timeout `yaml:"stop-timeout"`
	GeneralTimeout Timeout `yaml:"general-timeout"`
}

// startTimeout resolves the timeout that applies to the start path:
// start-timeout if set, otherwise general-timeout, otherwise unset
// (unbounded).
func (c *ServiceConfig) startTimeout() Timeout {
	if !c.StartTimeout.isUnset() {
		return c.StartTimeout
	}
	return c.GeneralTimeout
}

// stopTimeout resolves the timeout that applies to the stop path, with
// the same precedence rules as startTimeout.
func (c *ServiceConfig) stopTimeout() Timeout {
	if !c.StopTimeout.isUnset() {
		return c.StopTimeout
	}
	return c.GeneralTimeout
}

// serviceRuntimeInfo is bookkeeping about the service process history.
type serviceRuntimeInfo struct {
	// Number of times the service has been restarted by keep-alive.
	restarted uint64
	// When the service last transitioned to Running.
	upSince time.Time
}

// service is the runtime state of a service unit, protected by the
// owning unit's lock except where noted.
type service struct {
	conf ServiceConfig

	// Pid of the service process, 0 when no process exists.
	pid int
	// Process group of the service, always -pid while pid is set, 0
	// otherwise. Used for group-wide signal delivery.
	processGroup int

	status ServiceStatus
	// Set once the service has sent READY=1.
	signaledReady bool
	// Most recent STATUS= messages, bounded by statusMsgsCap.
	statusMsgs []string

	runtimeInfo serviceRuntimeInfo

	// Notification datagram endpoint. The fd itself is shared between
	// the readiness waiter and the notify multiplexer; both read it
	// nonblocking, so no extra lock beyond the unit lock is needed for
	// routing.
	notifyFd   int
	notifyPath string
	// Stdout/stderr pipe read ends. The write ends live only in the
	// child; the parent closes its copies right after the fork so the
	// read ends report EOF when the child is gone.
	stdoutPipe *os.File
	stderrPipe *os.File
	// Parent copies of the pipe write ends, alive only between fd
	// preparation and the fork.
	stdoutWrite *os.File
	stderrWrite *os.File
	// True once a read on the corresponding pipe returned EOF; the
	// multiplexer drops the fd from its snapshots.
	stdoutEOF bool
	stderrEOF bool

	// Unconsumed suffixes of the respective streams: bytes received
	// since the last processed newline.
	notificationsBuffer []byte
	stdoutBuffer        []byte
	stderrBuffer        []byte
}

func newService(conf ServiceConfig) *service {
	return &service{
		conf:     conf,
		status:   StatusNeverRan,
		notifyFd: -1,
	}
}

// appendNotification adds freshly received notification bytes to the
// buffer, enforcing the buffer cap. The caller holds the unit lock.
func (s *service) appendNotification(data []byte, name string, log zzzlogi.Logger) {
	if len(s.notificationsBuffer)+len(data) > notificationsBufferCap {
		log.Warnf(
			"Service: %s notification buffer overflow (%d bytes pending), dropping %d bytes",
			name, len(s.notificationsBuffer), len(data))
		return
	}
	s.notificationsBuffer = append(s.notificationsBuffer, data...)
}

// consumeNotifications extracts and handles every complete KEY=VALUE
// line from the notification buffer in FIFO order, leaving the
// trailing partial line (if any) for the next read. The caller holds
// the unit lock.
func (s *service) consumeNotifications(name string, log zzzlogi.Logger) {
	for {
		idx := -1
		for i, b := range s.notificationsBuffer {
			if b == '\n' {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		line := string(s.notificationsBuffer[:idx])
		s.notificationsBuffer = s.notificationsBuffer[idx+1:]
		if line == "" {
			continue
		}
		s.handleNotificationLine(line, name, log)
	}
}

// handleNotificationLine applies a single KEY=VALUE notification to
// the service state. The caller holds the unit lock.
func (s *service) handleNotificationLine(line string, name string, log zzzlogi.Logger) {
	key := line
	value := ""
	for i := 0; i < len(line); i++ {
		if line[i] == '=' {
			key = line[:i]
			value = line[i+1:]
			break
		}
	}

	switch key {
	case "READY":
		s.signaledReady = true
		if s.status == StatusStarting {
			s.status = StatusRunning
			s.runtimeInfo.upSince = time.Now()
			log.Infof("Service: %s signaled READY, now %v", name, s.status)
		}
	case "STATUS":
		s.statusMsgs = append(s.statusMsgs, value)
		if len(s.statusMsgs) > statusMsgsCap {
			s.statusMsgs = s.statusMsgs[len(s.statusMsgs)-statusMsgsCap:]
		}
		log.Debugf("Service: %s status: %q", name, value)
	default:
		log.Warnf("Service: %s sent notification with unknown key %q", name, key)
	}
}

// Timeout is a tri-state duration: a concrete duration, infinity, or
// unset. Unset and infinity both mean an unbounded wait; unset
// additionally allows falling back to general-timeout.
type Timeout struct {
	kind     timeoutKind
	duration time.Duration
}

type timeoutKind int

const (
	timeoutUnset timeoutKind = iota
	timeoutInfinity
	timeoutDuration
)

// TimeoutDuration returns a Timeout bounded by d.
func TimeoutDuration(d time.Duration) Timeout {
	return Timeout{kind: timeoutDuration, duration: d}
}

// TimeoutInfinity returns an explicitly unbounded Timeout.
func TimeoutInfinity() Timeout {
	return Timeout{kind: timeoutInfinity}
}

func (t Timeout) isUnset() bool {
	return t.kind == timeoutUnset
}

// deadline returns the wait deadline implied by the timeout, ok=false
// when the wait is unbounded.
func (t Timeout) deadline(now time.Time) (time.Time, bool) {
	if t.kind == timeoutDuration {
		return now.Add(t.duration), true
	}
	return time.Time{}, false
}

// String returns the string representation of the timeout.
func (t Timeout) String() string {
	switch t.kind {
	case timeoutInfinity:
		return "infinity"
	case timeoutDuration:
		return t.duration.String()
	}
	return "unset"
}

// UnmarshalYAML parses a timeout from a unit file: either the literal
// "infinity" or anything time.ParseDuration accepts.
func (t *Timeout) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch raw {
	case "":
		*t = Timeout{}
	case "infinity":
		*t = TimeoutInfinity()
	default:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", raw, err)
		}
		*t = TimeoutDuration(d)
	}
	return nil
}
