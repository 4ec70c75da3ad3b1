package unitd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/tuxdude/zzzlogi"
	"golang.org/x/sys/unix"
)

// listenPidShim re-execs the real command through a shell so that
// LISTEN_PID carries the pid the command actually runs as. The shell
// keeps the pid across exec, so $$ observed by the shim is the pid of
// the final process.
const listenPidShim = `export LISTEN_PID=$$; exec "$@"`

// serviceLauncher creates the per-service IPC handles and forks
// service processes with the socket-activation and notification
// environment installed.
type serviceLauncher struct {
	log zzzlogi.Logger
	// Directory the per-service notification sockets live under.
	notificationDir string
	fdStore         *fdStore
}

func newServiceLauncher(log zzzlogi.Logger, notificationDir string, store *fdStore) *serviceLauncher {
	return &serviceLauncher{
		log:             log,
		notificationDir: notificationDir,
		fdStore:         store,
	}
}

// prepare creates the notification datagram socket and the
// stdout/stderr pipes for a service that is about to start. On error
// any partially created fds are cleaned up and the service is left
// untouched. The caller holds the unit lock.
func (l *serviceLauncher) prepare(s *service, name string) error {
	path := filepath.Join(l.notificationDir, fmt.Sprintf("%s.notify", name))
	// A stale socket from a previous run would make bind fail.
	_ = os.Remove(path)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("failed to create notification socket for %s: %w", name, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("failed to bind notification socket %s: %w", path, err)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		return fmt.Errorf("failed to create stdout pipe for %s: %w", name, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = unix.Close(fd)
		_ = os.Remove(path)
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		return fmt.Errorf("failed to create stderr pipe for %s: %w", name, err)
	}

	s.notifyFd = fd
	s.notifyPath = path
	s.stdoutPipe = stdoutR
	s.stdoutWrite = stdoutW
	s.stderrPipe = stderrR
	s.stderrWrite = stderrW
	s.stdoutEOF = false
	s.stderrEOF = false
	s.notificationsBuffer = nil
	s.stdoutBuffer = nil
	s.stderrBuffer = nil
	return nil
}

// spawn forks the service process. The child becomes a process group
// leader, has the pipe write ends as fds 1/2, the activation fds from
// the fd store starting at fd 3, and the notification environment
// set. On success the service's pid and process group are populated.
//
// The caller holds both the unit lock and the pid table lock so the
// reaper cannot observe the new pid before its table entry exists.
func (l *serviceLauncher) spawn(s *service, name string) error {
	if s.conf.Cmd == "" {
		return fmt.Errorf("service %s has no command configured", name)
	}
	// Single-space splitting, no quoting. This is the documented
	// surface of the command syntax.
	parts := strings.Split(s.conf.Cmd, " ")

	var files []*os.File
	var fdNames []string
	for _, sockName := range s.conf.Sockets {
		for _, f := range l.fdStore.get(sockName) {
			files = append(files, f)
			fdNames = append(fdNames, sockName)
		}
	}

	env := append(os.Environ(), fmt.Sprintf("NOTIFY_SOCKET=%s", s.notifyPath))

	var cmd *exec.Cmd
	if len(files) > 0 {
		env = append(env,
			fmt.Sprintf("LISTEN_FDS=%d", len(files)),
			fmt.Sprintf("LISTEN_FDNAMES=%s", strings.Join(fdNames, ":")))
		// LISTEN_PID has to name the child pid, which is unknowable
		// before the fork, so the command is wrapped in a shell that
		// fills it in and execs in place.
		shimArgs := append([]string{"-c", listenPidShim, "sh"}, parts...)
		cmd = exec.Command("/bin/sh", shimArgs...)
	} else {
		cmd = exec.Command(parts[0], parts[1:]...)
	}

	cmd.Env = env
	cmd.Stdin = nil
	cmd.Stdout = s.stdoutWrite
	cmd.Stderr = s.stderrWrite
	cmd.ExtraFiles = files
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// Make the child a session and process group leader so the
		// whole group can be signaled as -pid.
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to spawn %s: %w", name, err)
	}

	s.pid = cmd.Process.Pid
	s.processGroup = -cmd.Process.Pid

	// The parent copies of the pipe write ends are no longer needed;
	// closing them makes the read ends report EOF once the child (and
	// everything it forked) is gone.
	_ = s.stdoutWrite.Close()
	_ = s.stderrWrite.Close()
	s.stdoutWrite = nil
	s.stderrWrite = nil

	l.log.Debugf("Service: %s forked with pid: %d", name, s.pid)
	return nil
}

// cleanup closes every IPC handle of the service and removes its
// notification socket from the filesystem. Safe to call on a
// partially prepared or already cleaned service. The caller holds the
// unit lock; the multiplexer tolerates reads on the closed fds until
// its next snapshot refresh.
func (l *serviceLauncher) cleanup(s *service) {
	if s.notifyFd >= 0 {
		_ = unix.Close(s.notifyFd)
		s.notifyFd = -1
	}
	if s.notifyPath != "" {
		_ = os.Remove(s.notifyPath)
		s.notifyPath = ""
	}
	for _, f := range []**os.File{&s.stdoutPipe, &s.stdoutWrite, &s.stderrPipe, &s.stderrWrite} {
		if *f != nil {
			_ = (*f).Close()
			*f = nil
		}
	}
}
