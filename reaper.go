package unitd

import (
	"github.com/tuxdude/zzzlogi"
	"golang.org/x/sys/unix"
)

// reapedProcInfo holds the information about a single reaped process.
type reapedProcInfo struct {
	pid         int
	termination ChildTermination
}

// zombieReaper reaps terminated child processes. The signal handler
// invokes reap on every SIGCHLD; one SIGCHLD can stand for any number
// of terminated children, so reap drains everything that is waitable
// without blocking.
type zombieReaper struct {
	log zzzlogi.Logger
}

func newZombieReaper(log zzzlogi.Logger) *zombieReaper {
	return &zombieReaper{
		log: log,
	}
}

// reap collects every currently waitable terminated child and returns
// them. Returns an empty slice when no children are waitable.
func (z *zombieReaper) reap() []reapedProcInfo {
	var procs []reapedProcInfo
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// ECHILD: no children at all.
			if err != unix.ECHILD {
				z.log.Warnf("wait4 failed: %v", err)
			}
			return procs
		}
		if pid <= 0 {
			// Children exist but none are waitable yet.
			return procs
		}
		if ws.Stopped() || ws.Continued() {
			// Job control state changes are not terminations.
			continue
		}
		t := terminationFromWaitStatus(ws)
		z.log.Debugf("Reaped pid: %d termination: %v", pid, t)
		procs = append(procs, reapedProcInfo{pid: pid, termination: t})
	}
}
