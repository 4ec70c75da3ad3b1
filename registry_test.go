package unitd

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLockWithActivationSet(t *testing.T) {
	sock1 := testUnit(2, "a.socket")
	sock1.socket = newSocketUnit(SocketConfig{})
	sock2 := testUnit(7, "b.socket")
	sock2.socket = newSocketUnit(SocketConfig{})
	svc := testServiceUnit(5, "a.service", ServiceConfig{})
	svc.install.neededForActivation[2] = struct{}{}
	svc.install.neededForActivation[7] = struct{}{}
	registry := buildTestRegistry(sock1, sock2, svc)

	u, deps, release := registry.lockWithActivationSet(5)
	require.NotNil(t, u)
	assert.Equal(t, UnitID(5), u.id)
	require.Len(t, deps, 2)
	depIDs := []UnitID{deps[0].id, deps[1].id}
	assert.ElementsMatch(t, []UnitID{2, 7}, depIDs)
	release()

	// Everything must be unlocked again.
	for _, x := range []*unit{sock1, sock2, svc} {
		x.mu.Lock()
		x.mu.Unlock()
	}

	u, deps, release = registry.lockWithActivationSet(99)
	assert.Nil(t, u)
	assert.Nil(t, deps)
	assert.Nil(t, release)
}

// Concurrent multi-unit locking, iteration and single-unit locking
// must not deadlock as long as the ascending-id discipline holds. Run
// with -race to also catch data races.
func TestRegistryConcurrentLockingDoesNotDeadlock(t *testing.T) {
	var units []*unit
	for id := UnitID(1); id <= 8; id++ {
		u := testServiceUnit(id, "u.service", ServiceConfig{})
		units = append(units, u)
	}
	// Units 5 and 2 each need two other units for activation, in both
	// id directions, to stress the ordered acquisition.
	units[4].install.neededForActivation[1] = struct{}{}
	units[4].install.neededForActivation[8] = struct{}{}
	units[1].install.neededForActivation[5] = struct{}{}
	units[1].install.neededForActivation[7] = struct{}{}
	registry := buildTestRegistry(units...)

	const workers = 16
	const iterations = 200
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				switch (w + i) % 3 {
				case 0:
					_, _, release := registry.lockWithActivationSet(UnitID(w%8 + 1))
					if release != nil {
						release()
					}
				case 1:
					registry.forEach(func(u *unit) {
						u.mu.Lock()
						_ = u.service.status
						u.mu.Unlock()
					})
				case 2:
					u := registry.get(UnitID(i%8 + 1))
					u.mu.Lock()
					u.service.pid = 0
					u.mu.Unlock()
				}
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		t.Fatal("registry locking deadlocked")
	}
}

func TestRegistryInsertRemove(t *testing.T) {
	registry := newUnitRegistry()
	u := testUnit(3, "a.target")
	registry.insert(u)
	require.Equal(t, u, registry.get(3))
	require.Equal(t, u, registry.byName("a.target"))

	registry.remove(3)
	assert.Nil(t, registry.get(3))
	assert.Nil(t, registry.byName("a.target"))
}

func TestRegistryRootUnits(t *testing.T) {
	a := testUnit(1, "a.target")
	b := testUnit(2, "b.target")
	c := testUnit(3, "c.target")
	orderAfter(a, b)
	registry := buildTestRegistry(a, b, c)

	assert.Equal(t, []UnitID{1, 3}, registry.rootUnits())
}

func TestPidTableReapTransitions(t *testing.T) {
	pids := newPidTable()

	pids.mu.Lock()
	pids.insertHelperLocked(100, 1, "startpre")
	pids.insertServiceLocked(200, 2, ServiceSimple)
	pids.mu.Unlock()

	// Helper entries flip in place to HelperExited.
	entry, isService, ok := pids.reapTransition(100, ChildTermination{Code: 3})
	require.True(t, ok)
	assert.False(t, isService)
	assert.Equal(t, UnitID(1), entry.unit)

	term, done, ok := pids.lookupHelper(100)
	require.True(t, ok)
	require.True(t, done)
	assert.Equal(t, 3, term.Code)
	// Collecting removes the entry.
	_, _, ok = pids.lookupHelper(100)
	assert.False(t, ok)

	// Service entries are removed on reap.
	entry, isService, ok = pids.reapTransition(200, ChildTermination{Code: 0})
	require.True(t, ok)
	assert.True(t, isService)
	assert.Equal(t, UnitID(2), entry.unit)
	assert.Equal(t, 0, pids.count())

	// Unknown pids are not ours.
	_, _, ok = pids.reapTransition(300, ChildTermination{})
	assert.False(t, ok)
}
