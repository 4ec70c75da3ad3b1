package unitd

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// activationRecorder counts and orders activations in place of the
// real supervisor dispatch.
type activationRecorder struct {
	mu     sync.Mutex
	order  []UnitID
	counts map[UnitID]int
	// Per-unit results; units not present return Started.
	results map[UnitID]startResult
	errs    map[UnitID]error
	delay   time.Duration
}

func newActivationRecorder() *activationRecorder {
	return &activationRecorder{
		counts:  make(map[UnitID]int),
		results: make(map[UnitID]startResult),
		errs:    make(map[UnitID]error),
	}
}

func (r *activationRecorder) activate(id UnitID) (startResult, error) {
	r.mu.Lock()
	r.order = append(r.order, id)
	r.counts[id]++
	r.mu.Unlock()
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if err := r.errs[id]; err != nil {
		return resultIgnored, err
	}
	if res, ok := r.results[id]; ok {
		return res, nil
	}
	return resultStarted, nil
}

func (r *activationRecorder) indexOf(id UnitID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, got := range r.order {
		if got == id {
			return i
		}
	}
	return -1
}

func (r *activationRecorder) count(id UnitID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[id]
}

func buildTestRegistry(units ...*unit) *unitRegistry {
	registry := newUnitRegistry()
	for _, u := range units {
		registry.insert(u)
	}
	return registry
}

func TestActivatorRespectsAfterOrdering(t *testing.T) {
	x := testUnit(1, "x.target")
	y := testUnit(2, "y.target")
	z := testUnit(3, "z.target")
	w := testUnit(4, "w.target")
	orderAfter(x, y)
	orderAfter(y, z)
	x.target = &targetUnit{}
	y.target = &targetUnit{}
	z.target = &targetUnit{}
	w.target = &targetUnit{}

	rec := newActivationRecorder()
	rec.delay = 5 * time.Millisecond
	a := newActivator(newTestLogger(), buildTestRegistry(x, y, z, w), rec.activate)
	require.NoError(t, a.run())

	for _, u := range []*unit{x, y, z, w} {
		assert.Equal(t, 1, rec.count(u.id), "unit %s", u.conf.name)
		assert.True(t, a.isStarted(u.id), "unit %s", u.conf.name)
	}
	assert.Less(t, rec.indexOf(1), rec.indexOf(2))
	assert.Less(t, rec.indexOf(2), rec.indexOf(3))
}

// A unit with several predecessors is enqueued once per completing
// predecessor but must only be activated once.
func TestActivatorRedundantEnqueuesAreIdempotent(t *testing.T) {
	a := testUnit(1, "a.target")
	b := testUnit(2, "b.target")
	c := testUnit(3, "c.target")
	d := testUnit(4, "d.target")
	orderAfter(a, b)
	orderAfter(a, c)
	orderAfter(b, d)
	orderAfter(c, d)
	for _, u := range []*unit{a, b, c, d} {
		u.target = &targetUnit{}
	}

	rec := newActivationRecorder()
	act := newActivator(newTestLogger(), buildTestRegistry(a, b, c, d), rec.activate)
	require.NoError(t, act.run())

	assert.Equal(t, 1, rec.count(4), "diamond join must activate exactly once")
	assert.True(t, act.isStarted(4))
}

// A failed unit is fatal for its own branch but must not abort the
// activation of sibling branches.
func TestActivatorIsolatesPerUnitErrors(t *testing.T) {
	a := testUnit(1, "a.target")
	b := testUnit(2, "b.target")
	c := testUnit(3, "c.target")
	d := testUnit(4, "d.target")
	orderAfter(a, b)
	orderAfter(b, c)
	for _, u := range []*unit{a, b, c, d} {
		u.target = &targetUnit{}
	}

	rec := newActivationRecorder()
	rec.errs[2] = errors.New("boom")
	act := newActivator(newTestLogger(), buildTestRegistry(a, b, c, d), rec.activate)
	require.NoError(t, act.run())

	assert.True(t, act.isStarted(1))
	assert.False(t, act.isStarted(2))
	assert.Equal(t, 0, rec.count(3), "successor of a failed unit must not activate")
	assert.True(t, act.isStarted(4), "sibling branch must still activate")
}

// Units on a dependency cycle are unreachable from any root: the
// activator must neither progress into the cycle nor deadlock.
func TestActivatorCycleDoesNotProgressOrDeadlock(t *testing.T) {
	a := testUnit(1, "a.target")
	b := testUnit(2, "b.target")
	c := testUnit(3, "c.target")
	orderAfter(b, c)
	orderAfter(c, b)
	for _, u := range []*unit{a, b, c} {
		u.target = &targetUnit{}
	}

	rec := newActivationRecorder()
	act := newActivator(newTestLogger(), buildTestRegistry(a, b, c), rec.activate)

	done := make(chan error, 1)
	go func() {
		done <- act.run()
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("activator deadlocked on a dependency cycle")
	}

	assert.True(t, act.isStarted(1))
	assert.False(t, act.isStarted(2))
	assert.False(t, act.isStarted(3))
	assert.Equal(t, 0, rec.count(2))
	assert.Equal(t, 0, rec.count(3))
}

// WaitingForSocket counts as activated for ordering purposes.
func TestActivatorTreatsWaitingForSocketAsStarted(t *testing.T) {
	a := testUnit(1, "a.service")
	b := testUnit(2, "b.target")
	orderAfter(a, b)
	a.target = &targetUnit{}
	b.target = &targetUnit{}

	rec := newActivationRecorder()
	rec.results[1] = resultWaitingForSocket
	act := newActivator(newTestLogger(), buildTestRegistry(a, b), rec.activate)
	require.NoError(t, act.run())

	assert.True(t, act.isStarted(1))
	assert.Equal(t, 1, rec.count(2))
}
