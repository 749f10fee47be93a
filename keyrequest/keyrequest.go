// Package keyrequest implements the key-provisioning client (spec §4.10,
// C9): a single goroutine drains a bounded queue of "type:payload" requests
// and forwards each to a key-provisioning back-end over a datagram
// Unix-domain socket, reconnecting with backoff whenever the back-end is
// unreachable.
//
// Grounded on original_source/src/remoted/secure.c's key_request_thread /
// key_request_reconnect (4 attempts at 1s, 300s cooldown,
// OS_SOCKBUSY retry), with the retry-loop style carried over from
// xtaci-kcptun/client/dial.go.
package keyrequest

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/xtaci/agentsec/queue"
)

const (
	maxAttempts      = 4
	attemptDelay     = time.Second
	reconnectCooldown = 300 * time.Second
	sendTimeout      = 5 * time.Second
	busyRetryDelay   = time.Second
)

// ErrSocketBusy is returned by send when the datagram peer reports the
// kernel-level equivalent of OS_SOCKBUSY (EAGAIN/EWOULDBLOCK).
var ErrSocketBusy = errors.New("keyrequest: socket busy")

// Client is a single-goroutine key-request sender with a bounded request
// queue.
type Client struct {
	log  zerolog.Logger
	path string

	queue *queue.Bounded[string]

	available atomic.Bool

	mu   sync.Mutex
	conn *net.UnixConn
}

// New builds a Client. path is the key-provisioning back-end's Unix
// datagram socket path; size bounds the outbound request queue.
func New(log zerolog.Logger, path string, size int) *Client {
	return &Client{log: log, path: path, queue: queue.NewBounded[string](size)}
}

// PushRequest enqueues a "type:payload" request. It only accepts while the client
// last reported itself connected (spec §4.10 "Push"); on a full queue the
// request is dropped and counted via the queue's own drop counter.
func (c *Client) PushRequest(kind, payload string) {
	if !c.available.Load() {
		return
	}
	c.queue.Push(kind + ":" + payload)
}

// Run drains the request queue until ctx is cancelled or the queue is
// closed. ctx is checked between messages; a Pop blocked on an empty queue
// is not interrupted by cancellation.
func (c *Client) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		if c.conn == nil {
			if !c.reconnect(ctx) {
				return
			}
		}

		msg, ok := c.queue.Pop()
		if !ok {
			return
		}
		c.sendWithRetry(ctx, msg)
	}
}

// reconnect implements key_request_reconnect: up to maxAttempts tries at
// attemptDelay intervals, then a reconnectCooldown sleep before starting
// over. Returns false only if ctx is cancelled mid-wait.
func (c *Client) reconnect(ctx context.Context) bool {
	for {
		for attempt := 0; attempt < maxAttempts; attempt++ {
			if ctx.Err() != nil {
				return false
			}
			conn, err := net.DialTimeout("unixgram", c.path, sendTimeout)
			if err != nil {
				if !sleepCtx(ctx, attemptDelay) {
					return false
				}
				continue
			}
			uc := conn.(*net.UnixConn)
			if err := uc.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
				uc.Close()
				continue
			}
			c.mu.Lock()
			c.conn = uc
			c.mu.Unlock()
			c.available.Store(true)
			return true
		}
		c.log.Debug().Dur("cooldown", reconnectCooldown).Msg("key-request feature unavailable, backing off")
		if !sleepCtx(ctx, reconnectCooldown) {
			return false
		}
	}
}

// sendWithRetry implements the body of key_request_thread's main loop: send
// once; on busy, sleep 1s and retry with the same message; on any other
// failure, drop the connection and fall back to reconnect; on success, the
// message is consumed.
func (c *Client) sendWithRetry(ctx context.Context, msg string) {
	for {
		err := c.send(msg)
		if err == nil {
			return
		}
		if errors.Is(err, ErrSocketBusy) {
			c.log.Debug().Msg("key request socket busy")
			if !sleepCtx(ctx, busyRetryDelay) {
				return
			}
			continue
		}

		c.log.Warn().Err(err).Msg("key request send failed, reconnecting")
		c.available.Store(false)
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
		if !c.reconnect(ctx) {
			return
		}
	}
}

func (c *Client) send(msg string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("keyrequest: not connected")
	}
	if err := conn.SetWriteDeadline(time.Now().Add(sendTimeout)); err != nil {
		return err
	}
	_, err := conn.Write([]byte(msg))
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return ErrSocketBusy
		}
		return err
	}
	return nil
}

// Close releases the underlying connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
