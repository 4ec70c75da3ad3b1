// Package unitd provides a dependency-aware unit manager that activates
// services, sockets and targets in parallel along their dependency
// graph, supervises the resulting processes, and multiplexes their
// stdout/stderr streams and readiness notifications.
package unitd

import (
	"fmt"
	"sync"
)

// UnitID is the opaque stable identifier of a unit. IDs are assigned
// monotonically when the unit set is loaded and never reused.
type UnitID uint64

// unitConf holds the common metadata every unit carries regardless of
// its specialization.
type unitConf struct {
	// Name of the unit, including its type suffix
	// (e.g. "foo.service", "foo.socket").
	name string
	// Free-form description of the unit.
	description string
}

// install holds the dependency edges of a unit. All sets are immutable
// once the unit set has been loaded, and can be read without holding
// the unit lock.
type install struct {
	// Units that must have been activated before this unit.
	after map[UnitID]struct{}
	// Units that must not be activated until this unit has been.
	before map[UnitID]struct{}
	// Units that require this unit to keep running. When this unit's
	// service exits without keep-alive, these are stopped in cascade.
	requiredBy map[UnitID]struct{}
	// Units whose runtime state is needed while activating this unit
	// (a service's socket units).
	neededForActivation map[UnitID]struct{}
}

// unit is a single entry in the unit registry. Exactly one of the
// specialization fields is non-nil.
type unit struct {
	id      UnitID
	conf    unitConf
	install install

	// Guards the runtime state of the specialization. Lock ordering:
	// the registry lock (read or write) is taken before any unit lock,
	// multiple unit locks are taken in ascending UnitID order, and the
	// pid table lock is a leaf that must never be held while acquiring
	// a unit lock.
	mu sync.Mutex

	service *service
	socket  *socketUnit
	target  *targetUnit
}

// targetUnit is the specialization for target units. Targets carry no
// runtime state, they exist purely as grouping points in the
// dependency graph.
type targetUnit struct{}

// kind returns a short human readable label for the unit
// specialization.
func (u *unit) kind() string {
	switch {
	case u.service != nil:
		return "service"
	case u.socket != nil:
		return "socket"
	case u.target != nil:
		return "target"
	}
	return "unknown"
}

// String returns the string representation of the unit.
func (u *unit) String() string {
	return fmt.Sprintf("{ID: %d Name: %q Kind: %s}", u.id, u.conf.name, u.kind())
}

func newIDSet(ids ...UnitID) map[UnitID]struct{} {
	set := make(map[UnitID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
