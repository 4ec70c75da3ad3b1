package unitd

import (
	"sort"
	"sync"
)

// unitRegistry is the shared mapping from UnitID to unit. The registry
// lock protects the map itself; each unit carries its own lock for its
// runtime state. Insertion and removal only happen at boot and
// shutdown, the hot path is read-only.
type unitRegistry struct {
	mu    sync.RWMutex
	units map[UnitID]*unit
}

func newUnitRegistry() *unitRegistry {
	return &unitRegistry{
		units: make(map[UnitID]*unit),
	}
}

// insert adds a unit to the registry under the write lock.
func (r *unitRegistry) insert(u *unit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[u.id] = u
}

// remove drops a unit from the registry under the write lock. Units
// are only ever removed at shutdown, never on the hot path; a stopped
// unit stays in the registry for re-activation.
func (r *unitRegistry) remove(id UnitID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.units, id)
}

// get looks up a unit under the read lock. Returns nil if the id is
// unknown.
func (r *unitRegistry) get(id UnitID) *unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.units[id]
}

// byName looks up a unit by its name under the read lock. Returns nil
// if no unit with that name exists.
func (r *unitRegistry) byName(name string) *unit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.units {
		if u.conf.name == name {
			return u
		}
	}
	return nil
}

// forEach invokes f for every unit while holding the registry read
// lock. f must not acquire the registry lock again and must not block.
func (r *unitRegistry) forEach(f func(u *unit)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.units {
		f(u)
	}
}

// rootUnits returns the ids of all units with no after-predecessors,
// the starting points of the activation walk.
func (r *unitRegistry) rootUnits() []UnitID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var roots []UnitID
	for id, u := range r.units {
		if len(u.install.after) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })
	return roots
}

// lockWithActivationSet locks the unit with the given id together with
// every unit in its needed-for-activation set. All locks are acquired
// in ascending UnitID order while the registry read lock is still
// held, which is the global lock ordering that keeps the activator,
// the exit handler and the multiplexer deadlock-free. The returned
// release function unlocks everything; the registry read lock itself
// is released before this function returns.
//
// Returns the target unit, the locked activation-set units, and the
// release function. Returns nil if the id is unknown.
func (r *unitRegistry) lockWithActivationSet(id UnitID) (*unit, []*unit, func()) {
	r.mu.RLock()
	target := r.units[id]
	if target == nil {
		r.mu.RUnlock()
		return nil, nil, nil
	}

	ids := make([]UnitID, 0, len(target.install.neededForActivation)+1)
	ids = append(ids, id)
	for depID := range target.install.neededForActivation {
		if _, ok := r.units[depID]; ok && depID != id {
			ids = append(ids, depID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	locked := make([]*unit, 0, len(ids))
	for _, lockID := range ids {
		u := r.units[lockID]
		u.mu.Lock()
		locked = append(locked, u)
	}
	r.mu.RUnlock()

	deps := make([]*unit, 0, len(locked)-1)
	for _, u := range locked {
		if u.id != id {
			deps = append(deps, u)
		}
	}

	release := func() {
		// Release in reverse acquisition order.
		for i := len(locked) - 1; i >= 0; i-- {
			locked[i].mu.Unlock()
		}
	}
	return target, deps, release
}
