//go:build linux

package notifier

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// epollNotifier implements Notifier over golang.org/x/sys/unix epoll,
// matching the Add/Modify/Remove/Wait shape gnet's netpoll.Poller and
// gaio's poller wrap around the same syscalls.
type epollNotifier struct {
	epfd int

	mu     sync.Mutex
	closed bool

	// wakeR/wakeW is a self-pipe used to unblock Wait from Close without
	// relying on signal delivery, the same technique gaio's poller uses
	// for its die channel.
	wakeR int
	wakeW int
}

// New constructs the platform notifier.
func New() (Notifier, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	fds := make([]int, 2)
	if err := unix.Pipe2(fds, unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	n := &epollNotifier{epfd: epfd, wakeR: fds[0], wakeW: fds[1]}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, n.wakeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(n.wakeR),
	}); err != nil {
		unix.Close(epfd)
		unix.Close(n.wakeR)
		unix.Close(n.wakeW)
		return nil, err
	}
	return n, nil
}

func toEpollEvents(i Interest) uint32 {
	var ev uint32
	if i&Read != 0 {
		ev |= unix.EPOLLIN
	}
	if i&Write != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (n *epollNotifier) Add(fd int, interest Interest) error {
	return unix.EpollCtl(n.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: toEpollEvents(interest),
		Fd:     int32(fd),
	})
}

func (n *epollNotifier) Modify(fd int, interest Interest) error {
	return unix.EpollCtl(n.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: toEpollEvents(interest),
		Fd:     int32(fd),
	})
}

func (n *epollNotifier) Remove(fd int) error {
	err := unix.EpollCtl(n.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (n *epollNotifier) Wait(timeout time.Duration) ([]Event, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, ErrClosed
	}
	n.mu.Unlock()

	ms := -1
	if timeout > 0 {
		ms = int(timeout / time.Millisecond)
	}

	raw := make([]unix.EpollEvent, 128)
	for {
		count, err := unix.EpollWait(n.epfd, raw, ms)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}

		events := make([]Event, 0, count)
		for i := 0; i < count; i++ {
			fd := int(raw[i].Fd)
			if fd == n.wakeR {
				var buf [64]byte
				unix.Read(n.wakeR, buf[:])
				n.mu.Lock()
				closed := n.closed
				n.mu.Unlock()
				if closed {
					return nil, ErrClosed
				}
				continue
			}
			events = append(events, Event{
				FD:       fd,
				Readable: raw[i].Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
				Writable: raw[i].Events&unix.EPOLLOUT != 0,
			})
		}
		return events, nil
	}
}

func (n *epollNotifier) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	unix.Write(n.wakeW, []byte{0})
	unix.Close(n.wakeW)
	unix.Close(n.wakeR)
	return unix.Close(n.epfd)
}
