// Package eventloop implements the single-goroutine dispatcher (spec §4.5,
// C5): it owns the TCP/UDP listener sockets and every accepted client fd,
// drives the notifier's Wait loop, and is the sole writer of each fd's
// receive-buffer slot. It also implements CloseSocket (spec §4.6).
//
// Grounded on gnet's eventloop.go (single poller goroutine, raw fd
// bookkeeping, EAGAIN-as-no-op read/write) and on
// original_source/src/remoted/secure.c's HandleSecure wait loop (a failed
// Wait logged and retried after a one-second pause, unexpected fd logged and
// skipped). EINTR never reaches the loop: the notifier retries it inside
// Wait.
package eventloop

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/xtaci/agentsec/keystore"
	"github.com/xtaci/agentsec/metricsx"
	"github.com/xtaci/agentsec/netbuf"
	"github.com/xtaci/agentsec/notifier"
	"github.com/xtaci/agentsec/queue"
	"github.com/xtaci/agentsec/sender"
	"github.com/xtaci/agentsec/worker"
)

const listenBacklog = 128

// Config collects everything the loop needs to bind its listeners.
type Config struct {
	ListenTCP        string
	ListenUDP        string
	EnableTCP        bool
	EnableUDP        bool
	MaxMessageSize   int
	HighWaterMark    int
	EventWaitTimeout time.Duration
}

// Loop is the C5 dispatcher.
type Loop struct {
	log   zerolog.Logger
	cfg   Config
	notif notifier.Notifier
	table *netbuf.Table
	store *keystore.Store

	inbound     *queue.Bounded[worker.Message]
	senderJobs  *queue.Bounded[sender.Job]
	metrics     *metricsx.Registry

	tcpFD int
	udpFD int

	globalCounter atomic.Uint64
	scratch       []byte
}

// New builds a Loop. Call Run to bind listeners and start dispatching.
func New(log zerolog.Logger, cfg Config, notif notifier.Notifier, table *netbuf.Table, store *keystore.Store, inbound *queue.Bounded[worker.Message], senderJobs *queue.Bounded[sender.Job], metrics *metricsx.Registry) *Loop {
	maxMsg := cfg.MaxMessageSize
	if maxMsg <= 0 {
		maxMsg = 65536
	}
	return &Loop{
		log:        log,
		cfg:        cfg,
		notif:      notif,
		table:      table,
		store:      store,
		inbound:    inbound,
		senderJobs: senderJobs,
		metrics:    metrics,
		tcpFD:      -1,
		udpFD:      -1,
		scratch:    make([]byte, maxMsg),
	}
}

// Run binds the configured listeners, registers them with the notifier, and
// dispatches events until stop is closed or Wait reports ErrClosed.
func (l *Loop) Run(stop <-chan struct{}) error {
	if l.cfg.EnableTCP {
		fd, err := listenTCP(l.cfg.ListenTCP)
		if err != nil {
			return err
		}
		l.tcpFD = fd
		if err := l.notif.Add(l.tcpFD, notifier.Read); err != nil {
			return err
		}
		l.log.Info().Str("addr", l.cfg.ListenTCP).Msg("listening for TCP")
	}
	if l.cfg.EnableUDP {
		fd, err := listenUDP(l.cfg.ListenUDP)
		if err != nil {
			return err
		}
		l.udpFD = fd
		if err := l.notif.Add(l.udpFD, notifier.Read); err != nil {
			return err
		}
		l.log.Info().Str("addr", l.cfg.ListenUDP).Msg("listening for UDP")
	}

	timeout := l.cfg.EventWaitTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	for {
		select {
		case <-stop:
			return nil
		default:
		}

		events, err := l.notif.Wait(timeout)
		if err != nil {
			if errors.Is(err, notifier.ErrClosed) {
				return nil
			}
			l.log.Error().Err(err).Msg("waiting for connection events")
			time.Sleep(time.Second)
			continue
		}

		for _, ev := range events {
			l.dispatch(ev)
		}
	}
}

func (l *Loop) dispatch(ev notifier.Event) {
	switch {
	case ev.FD <= 0:
		l.log.Error().Int("fd", ev.FD).Msg("unexpected file descriptor")
	case ev.FD == l.tcpFD:
		l.acceptTCP()
	case ev.FD == l.udpFD:
		l.recvUDP()
	default:
		if ev.Readable {
			l.recvTCP(ev.FD)
		}
		if ev.Writable {
			l.senderJobs.Push(sender.Job{FD: ev.FD})
		}
	}
}

// acceptTCP implements spec §4.5 step 1: a connection is accepted
// regardless of whether its peer will ever authenticate.
func (l *Loop) acceptTCP() {
	for {
		nfd, sa, err := unix.Accept(l.tcpFD)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			l.log.Warn().Err(err).Msg("accept failed")
			return
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			l.log.Warn().Err(err).Msg("SetNonblock failed")
			unix.Close(nfd)
			continue
		}
		peer, ok := sockaddrToAddrPort(sa)
		if !ok {
			l.log.Warn().Msg("accepted connection with unsupported address family")
			unix.Close(nfd)
			continue
		}
		l.table.Open(nfd, &fdConn{fd: nfd}, peer)
		if err := l.notif.Add(nfd, notifier.Read); err != nil {
			l.log.Warn().Err(err).Msg("failed to register accepted socket")
			l.table.Close(nfd)
			unix.Close(nfd)
			continue
		}
		l.metrics.IncTCPActive()
		l.log.Debug().Int("fd", nfd).Str("peer", peer.String()).Msg("accepted TCP connection")
	}
}

// recvUDP implements spec §4.5 step 2.
func (l *Loop) recvUDP() {
	for {
		n, sa, err := unix.Recvfrom(l.udpFD, l.scratch, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			l.log.Warn().Err(err).Msg("recvfrom failed")
			return
		}
		peer, ok := sockaddrToAddrPort(sa)
		if !ok {
			l.log.Warn().Msg("udp datagram from unsupported address family")
			continue
		}
		payload := make([]byte, n)
		copy(payload, l.scratch[:n])
		l.enqueue(worker.Message{Sock: keystore.NoSocket, Peer: peer, Payload: payload})
		l.metrics.RecvBytes.Add(n)
	}
}

// recvTCP implements spec §4.5 step 3.
func (l *Loop) recvTCP(fd int) {
	var frames []netbuf.Frame
	n, err := l.table.Recv(fd, l.scratch, &frames)
	for _, f := range frames {
		l.enqueue(worker.Message{Sock: f.FD, Peer: f.Peer, Payload: f.Payload})
	}
	if n > 0 {
		l.metrics.RecvBytes.Add(n)
	}

	switch {
	case err == nil:
		return
	case errors.Is(err, netbuf.ErrOversizeFrame):
		l.log.Warn().Int("fd", fd).Msg("oversize frame, closing")
		l.CloseSocket(fd)
	case err == io.EOF:
		l.CloseSocket(fd)
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		// transient, nothing buffered yet
	case isTransient(err):
		l.log.Debug().Err(err).Int("fd", fd).Msg("transient read error")
	default:
		l.log.Warn().Err(err).Int("fd", fd).Msg("read error, closing")
		l.CloseSocket(fd)
	}
}

func (l *Loop) enqueue(msg worker.Message) {
	msg.Counter = l.globalCounter.Add(1)
	if !l.inbound.Push(msg) {
		l.log.Warn().Msg("inbound queue full, dropping message")
	}
}

// CloseSocket implements the socket closer contract (spec §4.6): record the
// current global counter against sock before unbinding, so any message
// still in flight from this fd is recognized as stale once the worker pool
// catches up.
func (l *Loop) CloseSocket(sock int) {
	l.store.SetSocketCounter(sock, l.globalCounter.Load())
	l.store.UnbindSocket(sock)

	if err := unix.Close(sock); err != nil {
		l.log.Debug().Err(err).Int("fd", sock).Msg("close failed")
	}
	l.table.Close(sock)
	if err := l.notif.Remove(sock); err != nil {
		l.log.Debug().Err(err).Int("fd", sock).Msg("notifier remove failed")
	}
	l.metrics.DecTCPActive()
	l.log.Debug().Int("fd", sock).Msg("closed socket")
}

// SendPing implements worker.PingSender: a liveness reply goes out on the
// same transport the probe arrived on (spec §4.7 step 2's "#ping" branch).
func (l *Loop) SendPing(sock int, peer netip.AddrPort, reply []byte) error {
	if sock == keystore.NoSocket {
		sa := addrPortToSockaddr(peer)
		if sa == nil {
			return errors.New("eventloop: unsupported peer address family")
		}
		return unix.Sendto(l.udpFD, reply, 0, sa)
	}

	becameNonEmpty, ok := l.table.PushSend(sock, reply)
	if !ok {
		return errors.New("eventloop: socket has no open send buffer")
	}
	if becameNonEmpty {
		if err := l.notif.Modify(sock, notifier.Read|notifier.Write); err != nil {
			return err
		}
	}
	return nil
}

func addrPortToSockaddr(ap netip.AddrPort) unix.Sockaddr {
	addr := ap.Addr().Unmap()
	if !addr.IsValid() {
		return nil
	}
	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}
	}
	return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
}

func isTransient(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout() || nerr.Temporary()
	}
	return false
}

// fdConn adapts a raw non-blocking fd to netbuf.Conn.
type fdConn struct {
	fd int
}

func (c *fdConn) Read(p []byte) (int, error) {
	return unix.Read(c.fd, p)
}

func (c *fdConn) Write(p []byte) (int, error) {
	return unix.Write(c.fd, p)
}

func sockaddrToAddrPort(sa unix.Sockaddr) (netip.AddrPort, bool) {
	switch s := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(s.Addr), uint16(s.Port)), true
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(s.Addr), uint16(s.Port)), true
	default:
		return netip.AddrPort{}, false
	}
}

func listenTCP(addr string) (int, error) {
	ra, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return -1, err
	}
	domain := unix.AF_INET
	if ra.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := bindSocket(fd, domain, ra.IP, ra.Port); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func listenUDP(addr string) (int, error) {
	ra, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return -1, err
	}
	domain := unix.AF_INET
	if ra.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := bindSocket(fd, domain, ra.IP, ra.Port); err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

func bindSocket(fd, domain int, ip net.IP, port int) error {
	if domain == unix.AF_INET {
		var addr [4]byte
		copy(addr[:], ip.To4())
		return unix.Bind(fd, &unix.SockaddrInet4{Port: port, Addr: addr})
	}
	var addr [16]byte
	copy(addr[:], ip.To16())
	return unix.Bind(fd, &unix.SockaddrInet6{Port: port, Addr: addr})
}
