package unitd

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// ChildTermination captures how a child process terminated: either a
// normal exit with a code, or death by signal.
type ChildTermination struct {
	// Exit code of the child if it exited normally.
	Code int
	// Signal that terminated the child, 0 if it exited normally.
	Signal unix.Signal
}

// String returns the string representation of the termination.
func (t ChildTermination) String() string {
	if t.Signal != 0 {
		return fmt.Sprintf("{Signal: %s(%d)}", unix.SignalName(t.Signal), t.Signal)
	}
	return fmt.Sprintf("{Code: %d}", t.Code)
}

// terminationFromWaitStatus converts a wait status from the reaper into
// a ChildTermination.
func terminationFromWaitStatus(ws unix.WaitStatus) ChildTermination {
	if ws.Signaled() {
		return ChildTermination{Signal: ws.Signal()}
	}
	return ChildTermination{Code: ws.ExitStatus()}
}

type pidEntryKind int

const (
	// A supervised service process.
	pidEntryService pidEntryKind = iota
	// A helper command (prestart/poststart/stop/poststop) still
	// running.
	pidEntryHelper
	// A helper command that has been reaped; the waiter collects and
	// removes the entry.
	pidEntryHelperExited
	// A oneshot process that has been reaped before anyone waited on
	// it.
	pidEntryOneshotExited
)

func (k pidEntryKind) String() string {
	switch k {
	case pidEntryService:
		return "Service"
	case pidEntryHelper:
		return "Helper"
	case pidEntryHelperExited:
		return "HelperExited"
	case pidEntryOneshotExited:
		return "OneshotExited"
	}
	return "Unknown"
}

// pidEntry is one entry in the pid table, the rendezvous between the
// reaper and the waiters.
type pidEntry struct {
	kind pidEntryKind

	// Set for Service and Helper entries.
	unit UnitID
	// Set for Service entries.
	serviceType ServiceType
	// Set for Helper entries, labels which helper command this is
	// ("startpre", "stop", ...).
	label string
	// Set for HelperExited and OneshotExited entries.
	termination ChildTermination
}

// pidTable maps pids of processes spawned by the manager to their
// entries. The table lock is a leaf in the global lock order: no unit
// lock may be acquired while holding it.
type pidTable struct {
	mu      sync.Mutex
	entries map[int]pidEntry
}

func newPidTable() *pidTable {
	return &pidTable{
		entries: make(map[int]pidEntry),
	}
}

// insertServiceLocked records a freshly forked service process. The caller
// must already hold the table lock: service forks happen under the
// lock so the reaper cannot observe the pid before the entry exists.
func (p *pidTable) insertServiceLocked(pid int, id UnitID, srvcType ServiceType) {
	p.entries[pid] = pidEntry{
		kind:        pidEntryService,
		unit:        id,
		serviceType: srvcType,
	}
}

// insertHelperLocked records a freshly spawned helper process. Same
// locking contract as insertServiceLocked.
func (p *pidTable) insertHelperLocked(pid int, id UnitID, label string) {
	p.entries[pid] = pidEntry{
		kind:  pidEntryHelper,
		unit:  id,
		label: label,
	}
}

// lookupHelper inspects the entry for a helper pid without removing a
// still-running entry. When the helper has been reaped the exited
// entry is removed and its termination returned with done=true.
// ok=false indicates a table state the helper protocol treats as a
// bug: a missing entry or an entry of the wrong kind.
func (p *pidTable) lookupHelper(pid int) (t ChildTermination, done bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, present := p.entries[pid]
	if !present {
		return ChildTermination{}, false, false
	}
	switch entry.kind {
	case pidEntryHelper:
		return ChildTermination{}, false, true
	case pidEntryHelperExited:
		delete(p.entries, pid)
		return entry.termination, true, true
	default:
		return ChildTermination{}, false, false
	}
}

// remove drops the entry for a pid, if any.
func (p *pidTable) remove(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, pid)
}

// count returns the number of entries currently in the table.
func (p *pidTable) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// servicePids returns the pids of all tracked service processes.
func (p *pidTable) servicePids() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pids []int
	for pid, entry := range p.entries {
		if entry.kind == pidEntryService {
			pids = append(pids, pid)
		}
	}
	return pids
}

// reapTransition applies the reaper-side state transition for a reaped
// pid and reports what the reaper should do next:
//
//   - Helper entries become HelperExited in place, the waiter collects
//     them later.
//   - Service entries are removed; the returned entry tells the caller
//     to run service exit handling.
//   - Unknown pids yield ok=false, the process was not one of ours.
func (p *pidTable) reapTransition(pid int, t ChildTermination) (entry pidEntry, isService bool, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, present := p.entries[pid]
	if !present {
		return pidEntry{}, false, false
	}
	switch entry.kind {
	case pidEntryHelper:
		p.entries[pid] = pidEntry{
			kind:        pidEntryHelperExited,
			unit:        entry.unit,
			label:       entry.label,
			termination: t,
		}
		return entry, false, true
	case pidEntryService:
		delete(p.entries, pid)
		return entry, true, true
	default:
		// Already-exited entries should never be reaped again.
		return entry, false, false
	}
}
