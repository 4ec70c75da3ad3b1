package unitd

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// eventFd is the wakeup primitive used to interrupt a blocked
// multiplexer loop whenever the set of fds it should watch changes.
// Writes post to a counter, reads drain it, so any number of notifies
// between two reads coalesce into a single wakeup.
type eventFd struct {
	fd int
}

func newEventFd() (*eventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("failed to create eventfd: %w", err)
	}
	return &eventFd{fd: fd}, nil
}

// readEnd returns the fd to include in a readiness set.
func (e *eventFd) readEnd() int {
	return e.fd
}

// notify posts one wakeup.
func (e *eventFd) notify() error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		return fmt.Errorf("failed to notify eventfd %d: %w", e.fd, err)
	}
	return nil
}

// reset drains any pending wakeups.
func (e *eventFd) reset() {
	var buf [8]byte
	for {
		_, err := unix.Read(e.fd, buf[:])
		if err != nil {
			return
		}
	}
}

func (e *eventFd) close() {
	_ = unix.Close(e.fd)
}

// wakeupBus fans a single notification out to one eventfd per
// multiplexer loop. Every blocking loop owns its own eventfd so that
// one loop draining its wakeup cannot swallow the wakeup of another.
type wakeupBus struct {
	fds []*eventFd
}

func newWakeupBus(loops int) (*wakeupBus, error) {
	bus := &wakeupBus{}
	for i := 0; i < loops; i++ {
		efd, err := newEventFd()
		if err != nil {
			bus.close()
			return nil, err
		}
		bus.fds = append(bus.fds, efd)
	}
	return bus, nil
}

// loopFd returns the eventfd owned by the loop with the given index.
func (b *wakeupBus) loopFd(i int) *eventFd {
	return b.fds[i]
}

// notify wakes up every loop on the bus.
func (b *wakeupBus) notify() {
	for _, efd := range b.fds {
		_ = efd.notify()
	}
}

func (b *wakeupBus) close() {
	for _, efd := range b.fds {
		efd.close()
	}
	b.fds = nil
}
