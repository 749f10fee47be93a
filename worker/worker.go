// Package worker implements the worker pool (spec §4.7): each worker pops
// one message record, resolves it against the key store, decrypts it, and
// routes it as a control message or an event.
//
// Grounded line-for-line on
// original_source/src/remoted/secure.c's HandleSecureMessage: its exit
// matrix (every rejection closes the TCP socket and counts recv_unknown),
// its id/ping/ip dispatch order, and the counter/shutdown rule gating
// control-message acceptance.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/xtaci/agentsec/cipher"
	"github.com/xtaci/agentsec/keystore"
	"github.com/xtaci/agentsec/metricsx"
	"github.com/xtaci/agentsec/queue"
)

// RidsOpener opens (or creates) the on-disk rids handle for an agent, for
// use with keystore.Store.TouchRids. keyfile.OpenRids supplies the real
// implementation.
type RidsOpener func(agentID string) (keystore.RidsHandle, error)

// PingPayload and PongReply are the well-known liveness probe bodies (spec
// §6: "#ping" / "#pong").
const (
	PingPayload = "#ping"
	PongReply   = "#pong"
)

// ShutdownHeader is the well-known control header that is always accepted
// regardless of the counter rule (spec §4.7 step 5, "shutdown" message).
const ShutdownHeader = "#!-agent shutdown"

// Message is one inbound record popped from the inbound queue (spec §3
// "Message record").
type Message struct {
	Sock    int
	Peer    netip.AddrPort
	Payload []byte
	Counter uint64
}

// Closer abstracts §4.6's close_sock over a TCP socket; the event loop
// supplies the real implementation so worker stays free of fd/notifier
// plumbing.
type Closer interface {
	CloseSocket(sock int)
}

// Bus is the downstream event-message sink (spec §4.7 step 5 "downstream
// bus").
type Bus interface {
	Send(agentID, sourceTag string, cleartext []byte) error
	Reconnect(stop <-chan struct{}) error
}

// KeyRequester pushes an outbound "type:payload" key-provisioning request
// (spec §4.10, C9).
type KeyRequester interface {
	PushRequest(kind, payload string)
}

// ControlSink receives accepted control messages for out-of-scope
// persistence (spec §1, §4.7 "save_controlmsg").
type ControlSink interface {
	SaveControlMessage(snap keystore.Snapshot, cleartext []byte)
}

// PingSender replies to a liveness probe on whichever transport it arrived
// on.
type PingSender interface {
	SendPing(sock int, peer netip.AddrPort, reply []byte) error
}

// Pool is a fixed-size worker pool draining in from the inbound queue.
type Pool struct {
	log       zerolog.Logger
	in        *queue.Bounded[Message]
	store     *keystore.Store
	decrypter cipher.Decrypter
	closer    Closer
	bus       Bus
	requester KeyRequester
	sink      ControlSink
	ping      PingSender
	metrics   *metricsx.Registry
	openRids  RidsOpener

	stop <-chan struct{}
}

// Config collects Pool's collaborators.
type Config struct {
	Log       zerolog.Logger
	Inbound   *queue.Bounded[Message]
	Store     *keystore.Store
	Decrypter cipher.Decrypter
	Closer    Closer
	Bus       Bus
	Requester KeyRequester
	Sink      ControlSink
	Ping      PingSender
	Metrics   *metricsx.Registry
	OpenRids  RidsOpener
	Stop      <-chan struct{}
}

// New builds a Pool from cfg.
func New(cfg Config) *Pool {
	return &Pool{
		log:       cfg.Log,
		in:        cfg.Inbound,
		store:     cfg.Store,
		decrypter: cfg.Decrypter,
		closer:    cfg.Closer,
		bus:       cfg.Bus,
		requester: cfg.Requester,
		sink:      cfg.Sink,
		ping:      cfg.Ping,
		metrics:   cfg.Metrics,
		openRids:  cfg.OpenRids,
		stop:      cfg.Stop,
	}
}

// Run starts n worker goroutines (clamped to [1, 16]) and blocks until ctx
// is cancelled, then waits for every worker goroutine to return. Workers
// check ctx between messages; a worker blocked in Pop returns only once a
// message arrives or the inbound queue is closed. The pool's stop channel
// is used only to abort a bus reconnect.
func (p *Pool) Run(ctx context.Context, n int) {
	if n < 1 {
		n = 1
	}
	if n > 16 {
		n = 16
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
		msg, ok := p.in.Pop()
		if !ok {
			return
		}
		p.handle(msg)
	}
}

// handle is HandleSecureMessage. Every rejection (malformed envelope,
// unknown id or ip, key already in use, empty payload, failed decrypt)
// closes the originating TCP socket (if any) and counts recv_unknown. A
// stale control message is only counted as dequeued, and a bus failure on
// an event is only logged.
func (p *Pool) handle(msg Message) {
	protocol := keystore.ProtocolTCP
	if msg.Sock == keystore.NoSocket {
		protocol = keystore.ProtocolUDP
	}

	switch {
	case len(msg.Payload) > 0 && msg.Payload[0] == '!':
		p.handleIDPrefixed(msg, protocol)
	case bytes.HasPrefix(msg.Payload, []byte(PingPayload)):
		p.handlePing(msg, protocol)
	default:
		p.handleIPAddressed(msg, protocol)
	}
}

func (p *Pool) reject(msg Message, reason string) {
	p.log.Warn().Str("reason", reason).Int("sock", msg.Sock).Msg("rejecting message")
	if msg.Sock != keystore.NoSocket {
		p.closer.CloseSocket(msg.Sock)
	}
	p.metrics.RecvUnknown.Inc()
}

func (p *Pool) handlePing(msg Message, protocol keystore.Protocol) {
	if err := p.ping.SendPing(msg.Sock, msg.Peer, []byte(PongReply)); err != nil {
		p.log.Warn().Err(err).Msg("ping reply delivery incomplete")
	}
	p.metrics.RecvPing.Inc()
}

// handleIDPrefixed parses the "!<decimal-id>!<ciphertext>" envelope (spec
// §4.7 step 2 / §6): the decimal digits between the two '!' are the
// candidate agent id itself, passed straight to the dynamic-id lookup, as
// original_source/src/remoted/secure.c's HandleSecureMessage does with
// buffer+1 up to the second '!'.
func (p *Pool) handleIDPrefixed(msg Message, protocol keystore.Protocol) {
	body := msg.Payload[1:]
	i := 0
	for i < len(body) && unicode.IsDigit(rune(body[i])) {
		i++
	}
	if i == 0 || i >= len(body) || body[i] != '!' {
		p.reject(msg, "malformed id envelope")
		return
	}
	agentID := string(body[:i])
	ciphertext := body[i+1:]

	entry, ok := p.store.LookupByDynamicID(agentID, msg.Peer.Addr())
	if !ok {
		p.requester.PushRequest("id", agentID)
		p.reject(msg, "unknown id")
		return
	}
	if p.store.HasConflictingSocket(entry, msg.Sock) {
		p.reject(msg, "agent key already in use")
		return
	}
	p.dispatch(msg, protocol, entry, ciphertext)
}

func (p *Pool) handleIPAddressed(msg Message, protocol keystore.Protocol) {
	entry, ok := p.store.LookupByIP(msg.Peer.Addr())
	if !ok {
		p.requester.PushRequest("ip", msg.Peer.Addr().String())
		p.reject(msg, "unknown ip")
		return
	}
	if p.store.HasConflictingSocket(entry, msg.Sock) {
		p.reject(msg, "agent key already in use")
		return
	}
	p.dispatch(msg, protocol, entry, msg.Payload)
}

// dispatch implements the shared tail of HandleSecureMessage once an entry
// has been resolved and has passed the callers' socket-collision check:
// empty-payload check, decrypt, classify.
func (p *Pool) dispatch(msg Message, protocol keystore.Protocol, entry *keystore.Entry, ciphertext []byte) {
	if len(ciphertext) == 0 {
		p.reject(msg, "empty message")
		return
	}

	cleartext, counter, status := p.decrypter.Decrypt(entry.RawKey, ciphertext)
	if status != cipher.Valid {
		if status == cipher.InvalidKey {
			if msg.Payload[0] == '!' {
				p.requester.PushRequest("id", entry.ID)
			} else {
				p.requester.PushRequest("ip", msg.Peer.Addr().String())
			}
		}
		p.reject(msg, "decrypt: "+status.String())
		return
	}

	if isControlMessage(cleartext) {
		p.handleControl(msg, protocol, entry, cleartext, counter)
		return
	}
	p.handleEvent(msg, entry, cleartext)
}

func isControlMessage(cleartext []byte) bool {
	return len(cleartext) > 0 && cleartext[0] == '#'
}

// handleControl implements the control-message branch. It deliberately
// keeps two distinct counters apart: msg.Counter is the enqueue-time
// sequence number the event loop stamped on this message record, and is
// what gates acceptance and socket displacement (spec §4.3's counter
// rule); counter is the per-agent value carried inside the decrypted
// envelope, and only ever advances Entry.Counter (I3).
func (p *Pool) handleControl(msg Message, protocol keystore.Protocol, entry *keystore.Entry, cleartext []byte, counter uint64) {
	isShutdown := bytes.HasPrefix(cleartext, []byte(ShutdownHeader))
	accepted := protocol == keystore.ProtocolUDP ||
		msg.Counter > p.store.StoredCounter(msg.Sock) ||
		isShutdown

	if !accepted {
		p.metrics.RecvDequeued.Inc()
		return
	}

	snapshot, ok := p.store.UpdateControlInfo(entry.ID, protocol, msg.Peer, time.Now())
	if !ok {
		return
	}

	if protocol == keystore.ProtocolTCP && !isShutdown {
		result, toClose, ok3 := p.store.BindSocket(entry.ID, msg.Sock, msg.Counter)
		if ok3 {
			switch result {
			case keystore.BindRejected:
				p.log.Debug().Str("id", entry.ID).Msg("socket already in use, rejected")
				p.closer.CloseSocket(toClose)
			case keystore.BindAdded, keystore.BindUpdated:
				if toClose != keystore.NoSocket {
					p.closer.CloseSocket(toClose)
				}
			}
		}
	}

	p.store.UpdateCounter(entry.ID, counter)
	if p.openRids != nil {
		if err := p.store.TouchRids(entry.ID, time.Now(), p.openRids); err != nil {
			p.log.Warn().Err(err).Str("id", entry.ID).Msg("touch rids failed")
		}
	}
	p.sink.SaveControlMessage(snapshot, cleartext)
	p.metrics.RecvCtrl.Inc()
}

func (p *Pool) handleEvent(msg Message, entry *keystore.Entry, cleartext []byte) {
	sourceTag := fmt.Sprintf("[%s] (%s) %s", entry.ID, entry.Name, entry.IPPattern)
	if err := p.bus.Send(entry.ID, sourceTag, cleartext); err != nil {
		p.log.Error().Err(err).Msg("bus send failed, reconnecting")
		if rerr := p.bus.Reconnect(p.stop); rerr != nil {
			p.log.Error().Err(rerr).Msg("bus reconnect failed")
			return
		}
		if err := p.bus.Send(entry.ID, sourceTag, cleartext); err != nil {
			p.log.Error().Err(err).Msg("bus send failed after reconnect")
			return
		}
	}
	p.metrics.RecvEvt.Inc()
}
