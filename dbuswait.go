package unitd

import (
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

// How long a dbus service gets to claim its name on the system bus,
// and how often ownership is polled in between.
const (
	dbusWaitTimeout      = 10 * time.Second
	dbusWaitPollInterval = 100 * time.Millisecond
)

// dbusNameWaiter answers whether a bus name has appeared within a
// bounded wait. The default implementation polls the system bus; tests
// substitute their own.
type dbusNameWaiter interface {
	waitForName(name string, timeout time.Duration) (bool, error)
}

// systemBusWaiter polls org.freedesktop.DBus.NameHasOwner on the
// system bus.
type systemBusWaiter struct{}

func (systemBusWaiter) waitForName(name string, timeout time.Duration) (bool, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("failed to connect to the system bus: %w", err)
	}
	// The shared system bus connection is not closed here, other
	// waiters reuse it.

	deadline := time.Now().Add(timeout)
	for {
		var hasOwner bool
		err := conn.BusObject().Call("org.freedesktop.DBus.NameHasOwner", 0, name).Store(&hasOwner)
		if err != nil {
			return false, fmt.Errorf("failed to query bus name %s: %w", name, err)
		}
		if hasOwner {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		time.Sleep(dbusWaitPollInterval)
	}
}
