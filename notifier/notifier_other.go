//go:build !linux

package notifier

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// selectNotifier is the portable fallback used on non-Linux unix targets,
// mirroring xtaci-kcptun's own build-tag split between a Linux-specific
// fast path and a portable one for the rest.
type selectNotifier struct {
	mu        sync.Mutex
	closed    bool
	interests map[int]Interest

	wakeR int
	wakeW int
}

// New constructs the platform notifier.
func New() (Notifier, error) {
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, err
	}
	return &selectNotifier{
		interests: make(map[int]Interest),
		wakeR:     fds[0],
		wakeW:     fds[1],
	}, nil
}

func (n *selectNotifier) Add(fd int, interest Interest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interests[fd] = interest
	return nil
}

func (n *selectNotifier) Modify(fd int, interest Interest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.interests[fd] = interest
	return nil
}

func (n *selectNotifier) Remove(fd int) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.interests, fd)
	return nil
}

func fdSet(set *unix.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *unix.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}

func (n *selectNotifier) Wait(timeout time.Duration) ([]Event, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	interests := make(map[int]Interest, len(n.interests))
	for fd, i := range n.interests {
		interests[fd] = i
	}
	n.mu.Unlock()

	var readSet, writeSet unix.FdSet
	nfd := n.wakeR
	fdSet(&readSet, n.wakeR)
	for fd, interest := range interests {
		if interest&Read != 0 {
			fdSet(&readSet, fd)
		}
		if interest&Write != 0 {
			fdSet(&writeSet, fd)
		}
		if fd > nfd {
			nfd = fd
		}
	}

	var tv *unix.Timeval
	if timeout > 0 {
		t := unix.NsecToTimeval(timeout.Nanoseconds())
		tv = &t
	}

	for {
		_, err := unix.Select(nfd+1, &readSet, &writeSet, nil, tv)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		break
	}

	if fdIsSet(&readSet, n.wakeR) {
		var buf [64]byte
		unix.Read(n.wakeR, buf[:])
		n.mu.Lock()
		closed := n.closed
		n.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
	}

	events := make([]Event, 0, len(interests))
	for fd, interest := range interests {
		ev := Event{FD: fd}
		if interest&Read != 0 && fdIsSet(&readSet, fd) {
			ev.Readable = true
		}
		if interest&Write != 0 && fdIsSet(&writeSet, fd) {
			ev.Writable = true
		}
		if ev.Readable || ev.Writable {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (n *selectNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	unix.Write(n.wakeW, []byte{0})
	unix.Close(n.wakeW)
	return unix.Close(n.wakeR)
}
