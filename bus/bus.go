// Package bus implements the downstream message-bus client (spec §4.7 step
// 5, §6 "Downstream bus"): a Unix datagram socket that frames every message
// as "id:source-tag:cleartext" and reconnects with no attempt limit on
// write failure.
//
// Grounded on original_source/src/remoted/secure.c's SendMSG/StartMQ
// (infinite reconnect attempts, SECURE_MQ discriminator).
package bus

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Discriminator tags the message queue class this client writes to,
// mirroring the original system's SECURE_MQ byte.
const Discriminator = byte('4')

// Client is a connection to the downstream bus socket. It is safe for
// concurrent use: mu guards the connection handle, and Send writes on the
// connection after releasing mu.
type Client struct {
	log  zerolog.Logger
	path string

	reconnectDelay time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// New returns a Client targeting the Unix datagram socket at path. Connect
// must be called before the first Send.
func New(log zerolog.Logger, path string) *Client {
	return &Client{log: log, path: path, reconnectDelay: time.Second}
}

// Connect opens the bus socket, retrying indefinitely until ctx-independent
// success (spec §4.9: "opens the bus FIFO at startup with infinite open
// attempts"). stop, if non-nil, is checked between attempts and causes
// Connect to return early with its error.
func (c *Client) Connect(stop <-chan struct{}) error {
	for {
		conn, err := net.DialTimeout("unixgram", c.path, 5*time.Second)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			return nil
		}
		c.log.Warn().Err(err).Str("path", c.path).Msg("bus connect failed, retrying")
		select {
		case <-stop:
			return errors.Wrap(err, "bus connect aborted")
		case <-time.After(c.reconnectDelay):
		}
	}
}

// Send formats and writes one message. On failure the caller is expected to
// call Reconnect and retry once (spec §4.7 step 5: "attempt one
// resubmission").
func (c *Client) Send(agentID, sourceTag string, cleartext []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("bus: not connected")
	}

	frame := make([]byte, 0, len(agentID)+len(sourceTag)+len(cleartext)+3)
	frame = append(frame, Discriminator)
	frame = append(frame, []byte(fmt.Sprintf("%s:%s:", agentID, sourceTag))...)
	frame = append(frame, cleartext...)

	_, err := conn.Write(frame)
	return err
}

// Reconnect closes the current connection (if any) and re-dials with
// infinite retry, identically to Connect.
func (c *Client) Reconnect(stop <-chan struct{}) error {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
	return c.Connect(stop)
}

// Close releases the underlying connection.
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
