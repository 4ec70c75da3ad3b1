package unitd

import (
	"sync"

	"github.com/tuxdude/zzzlogi"
	"golang.org/x/sync/errgroup"
)

// Number of workers activating units in parallel.
const activatorWorkers = 6

// activator walks the dependency graph and activates units in
// parallel. There is no topological sort and no barrier: the roots
// (units with an empty after-set) are enqueued, and every completed
// activation enqueues the unit's before-set. A unit popped before all
// of its after-predecessors finished is simply ignored; the completion
// of the missing predecessor re-enqueues it. Redundant enqueues are
// therefore cheap and expected.
//
// Units on a dependency cycle are never reachable from a root and
// never progress. Cycles are not detected, neither here nor by the
// unit loader.
type activator struct {
	log      zzzlogi.Logger
	registry *unitRegistry
	// activate performs the actual unit activation, dispatching on the
	// specialization.
	activate func(id UnitID) (startResult, error)

	mu   sync.Mutex
	cond *sync.Cond
	// Pending unit ids. Guarded by mu.
	queue []UnitID
	// Number of enqueued-but-not-finished jobs. The run is over when
	// this drops to zero. Guarded by mu.
	outstanding int

	// Ids of units that completed activation. Guards the
	// after-predecessor checks of the workers.
	startedMu sync.Mutex
	started   map[UnitID]struct{}
	// Ids of units a worker has taken up for activation, so a unit
	// enqueued by several predecessors is activated once. Guarded by
	// startedMu.
	claimed map[UnitID]struct{}
}

func newActivator(log zzzlogi.Logger, registry *unitRegistry, activate func(id UnitID) (startResult, error)) *activator {
	a := &activator{
		log:      log,
		registry: registry,
		activate: activate,
		started:  make(map[UnitID]struct{}),
		claimed:  make(map[UnitID]struct{}),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// run enqueues all root units and blocks until the activation walk has
// drained. Per-unit activation errors are logged and isolated, they
// never abort sibling branches.
func (a *activator) run() error {
	roots := a.registry.rootUnits()
	if len(roots) == 0 {
		a.log.Warnf("No root units found, nothing to activate")
		return nil
	}
	for _, id := range roots {
		a.enqueue(id)
	}

	var group errgroup.Group
	for i := 0; i < activatorWorkers; i++ {
		group.Go(a.worker)
	}
	return group.Wait()
}

// enqueue submits a unit id for activation.
func (a *activator) enqueue(id UnitID) {
	a.mu.Lock()
	a.queue = append(a.queue, id)
	a.outstanding++
	a.cond.Signal()
	a.mu.Unlock()
}

// worker pops unit ids off the queue until the whole walk has
// completed.
func (a *activator) worker() error {
	for {
		a.mu.Lock()
		for len(a.queue) == 0 && a.outstanding > 0 {
			a.cond.Wait()
		}
		if len(a.queue) == 0 {
			// outstanding dropped to zero: the walk is complete.
			a.mu.Unlock()
			return nil
		}
		id := a.queue[0]
		a.queue = a.queue[1:]
		a.mu.Unlock()

		a.process(id)

		a.mu.Lock()
		a.outstanding--
		if a.outstanding == 0 {
			// Wake up every parked worker so they can observe the
			// drained queue and exit.
			a.cond.Broadcast()
		}
		a.mu.Unlock()
	}
}

// process runs a single activation job.
func (a *activator) process(id UnitID) {
	u := a.registry.get(id)
	if u == nil {
		a.log.Warnf("Activation requested for unknown unit id %d", id)
		return
	}

	// Re-check that every after-predecessor has completed. If not,
	// the predecessor's own completion walks its before-set and
	// re-enqueues this unit, so dropping the job here is safe.
	if !a.predecessorsStarted(u) {
		a.log.Debugf("Unit: %s ignores activation, not all dependencies have been started", u.conf.name)
		return
	}

	a.startedMu.Lock()
	_, taken := a.claimed[id]
	a.claimed[id] = struct{}{}
	a.startedMu.Unlock()
	if taken {
		return
	}

	res, err := a.activate(id)
	if err != nil {
		// The error is fatal for this unit and its successors, but
		// sibling branches keep activating.
		a.log.Errorf("Error while activating unit %s: %v", u.conf.name, err)
		return
	}
	if res == resultIgnored {
		// Not activated this time; a later enqueue may try again.
		a.startedMu.Lock()
		delete(a.claimed, id)
		a.startedMu.Unlock()
		return
	}

	// Both Started and WaitingForSocket count as activated for
	// ordering purposes: a socket-activated service's successors only
	// depend on its sockets listening.
	a.markStarted(id)
	for succ := range u.install.before {
		a.enqueue(succ)
	}
}

// predecessorsStarted checks the unit's after-set against the started
// set under the registry read lock.
func (a *activator) predecessorsStarted(u *unit) bool {
	a.registry.mu.RLock()
	defer a.registry.mu.RUnlock()
	a.startedMu.Lock()
	defer a.startedMu.Unlock()
	for dep := range u.install.after {
		if _, ok := a.started[dep]; !ok {
			return false
		}
	}
	return true
}

// markStarted records a completed activation.
func (a *activator) markStarted(id UnitID) {
	a.startedMu.Lock()
	defer a.startedMu.Unlock()
	a.started[id] = struct{}{}
}

// isStarted reports whether a unit has completed activation.
func (a *activator) isStarted(id UnitID) bool {
	a.startedMu.Lock()
	defer a.startedMu.Unlock()
	_, ok := a.started[id]
	return ok
}
