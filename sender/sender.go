// Package sender implements the fixed-size send pool (spec §4.8): each
// sender drains per-socket send buffers built up by forwarders (out of
// scope) via netbuf.Send, and the notifier's write interest is toggled on
// the send-buffer empty/non-empty edge.
//
// Grounded on xtaci-kcptun/server/main.go's wg-tracked goroutine pool
// pattern for sender_pool.
package sender

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/xtaci/agentsec/netbuf"
	"github.com/xtaci/agentsec/notifier"
	"github.com/xtaci/agentsec/queue"
)

// Job names one socket that has become write-ready and needs draining.
type Job struct {
	FD int
}

// Closer abstracts spec §4.6's close_sock over a TCP socket, mirroring the
// worker package's own Closer. Needed so a non-transient write error can
// close the socket the same way a non-transient read error does in C5.
type Closer interface {
	CloseSocket(sock int)
}

// Pool is a fixed-size pool of goroutines draining Jobs.
type Pool struct {
	log    zerolog.Logger
	jobs   *queue.Bounded[Job]
	table  *netbuf.Table
	notif  notifier.Notifier
	closer Closer
}

// New builds a Pool. jobs is fed by the event loop whenever C2 reports
// write-readiness for an fd. closer is called whenever a drain hits a
// non-transient write error (spec §4.5 step 4, §7 error category 2).
func New(log zerolog.Logger, jobs *queue.Bounded[Job], table *netbuf.Table, notif notifier.Notifier, closer Closer) *Pool {
	return &Pool{log: log, jobs: jobs, table: table, notif: notif, closer: closer}
}

// Run starts n sender goroutines (spec: sender_pool [1..64]) and blocks
// until ctx is cancelled, then waits for every sender goroutine to return.
// Senders check ctx between jobs; one blocked in Pop returns only once a
// job arrives or the jobs queue is closed.
func (p *Pool) Run(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	if n > 64 {
		n = 64
	}

	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			p.loop(ctx)
		}()
	}
	<-ctx.Done()
	wg.Wait()
}

func (p *Pool) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		job, ok := p.jobs.Pop()
		if !ok {
			return
		}
		p.drain(job.FD)
	}
}

func (p *Pool) drain(fd int) {
	n, becameEmpty, err := p.table.Send(fd)
	if n > 0 {
		p.log.Debug().Int("fd", fd).Int("bytes", n).Msg("drained send buffer")
	}
	switch {
	case err == nil:
	case err == netbuf.ErrUnknownFD:
		// socket was already closed (e.g. by a concurrent read-side
		// error); nothing left to drain or deregister.
		return
	case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
		// transient, socket buffer still full
		return
	default:
		p.log.Warn().Err(err).Int("fd", fd).Msg("send error, closing")
		p.closer.CloseSocket(fd)
		return
	}
	if becameEmpty {
		if err := p.notif.Modify(fd, notifier.Read); err != nil {
			p.log.Debug().Err(err).Int("fd", fd).Msg("failed to drop write interest")
		}
	}
}
