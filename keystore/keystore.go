// Package keystore implements the authoritative set of agent credentials
// (spec §3 "Key store", §4.3): id/ip/socket indices, the per-entry mutation
// protocol, the rids LRU queue, and key-file reload-on-change.
//
// Grounded on original_source/src/remoted/secure.c's keystore access pattern
// (OS_IsAllowedID, OS_IsAllowedDynamicID, OS_AddSocket/OS_DeleteSocket, the
// per-entry w_mutex_lock discipline) and on R2Northstar-Atlas/pkg/memstore's
// "small store, narrow method set" shape.
package keystore

import (
	"container/list"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NoSocket is the sentinel meaning "no TCP socket bound" — identical to the
// original system's USING_UDP_NO_CLIENT_SOCKET, which doubles as both "entry
// has never bound a TCP socket" and "this message arrived over UDP". Spec §9
// resolves the ambiguous case by treating this sentinel as always
// replaceable by an incoming TCP socket.
const NoSocket = -1

// Protocol identifies which transport last delivered a control message for
// an entry.
type Protocol int

const (
	ProtocolUnset Protocol = iota
	ProtocolTCP
	ProtocolUDP
)

// Entry is a single agent key record (spec §3 "Agent key entry").
type Entry struct {
	mu sync.Mutex

	ID        string
	Name      string
	RawKey    []byte
	IPPattern string // exact IP, CIDR, or "any"/"*" for a fully dynamic agent

	Counter uint64 // monotone per-agent counter (I3)

	RidsFP       RidsHandle
	ridsElem     *list.Element
	UpdatingTime time.Time

	Sock           int
	NetProtocol    Protocol
	LastReceivedAt time.Time
	PeerInfo       netip.AddrPort
}

// RidsHandle stands in for the open per-agent rids journal handle (spec
// glossary: "rids"). Modeled as a minimal interface rather than *os.File so
// tests can use an in-memory fake; the worker pool's injected opener
// (keyfile.OpenRids, wired by cmd/agentsecd) opens a real file.
type RidsHandle interface {
	Close() error
}

// Snapshot is an immutable copy of an Entry's fields, handed to
// ControlSink.SaveControlMessage so control-message handling never races
// the live entry
// (spec §4.7: "duplicate the entry snapshot for handoff").
type Snapshot struct {
	ID             string
	Name           string
	IP             string
	Counter        uint64
	NetProtocol    Protocol
	LastReceivedAt time.Time
	PeerInfo       netip.AddrPort
}

func (e *Entry) snapshot() Snapshot {
	return Snapshot{
		ID:             e.ID,
		Name:           e.Name,
		IP:             e.IPPattern,
		Counter:        e.Counter,
		NetProtocol:    e.NetProtocol,
		LastReceivedAt: e.LastReceivedAt,
		PeerInfo:       e.PeerInfo,
	}
}

// BindResult reports the outcome of BindSocket.
type BindResult int

const (
	// BindAdded: the entry had no socket bound; sock is now bound.
	BindAdded BindResult = iota
	// BindUpdated: either sock was already bound to the entry (only its
	// counter is refreshed and no socket is returned), or sock displaced a
	// previously-bound socket, which is returned separately for the caller
	// to close.
	BindUpdated
	// BindRejected: a different, still-current socket wins the counter
	// race; the caller must close the incoming (losing) socket.
	BindRejected
)

func (r BindResult) String() string {
	switch r {
	case BindAdded:
		return "added"
	case BindUpdated:
		return "updated"
	case BindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Store is the keystore (spec §3 "Key store").
type Store struct {
	log zerolog.Logger

	mu   sync.RWMutex
	byID map[string]*Entry
	byIP map[string]*Entry // fixed-IP entries only
	dyn  []*Entry          // entries with a dynamic (pattern) IP

	// sockMu guards bySock and socketCounter independently of mu: neither
	// is key material, both are socket-lifecycle bookkeeping that
	// BindSocket, UnbindSocket and the socket-counter accessors update
	// without holding mu, so no call ever needs to upgrade an RLock to a
	// Lock mid-call (spec §9's "audit the exit matrix" note).
	sockMu        sync.Mutex
	bySock        map[int]*Entry
	socketCounter map[int]uint64

	ridsQueue *list.List // ordered by UpdatingTime ascending (I4)

	source Source
	state  sourceState
}

// Source is the out-of-scope key-file back-end (spec §1, §4.3
// "reload_if_changed"); keyfile.Reader implements it against a real file.
type Source interface {
	// Stat reports a change token; ReloadIfChanged only re-reads when it
	// differs from the last observed token.
	Stat() (token string, err error)
	// Load returns every key entry currently on record.
	Load() ([]RawEntry, error)
}

// RawEntry is a single key-file record, pre-indexing.
type RawEntry struct {
	ID        string
	Name      string
	RawKey    []byte
	IPPattern string
}

type sourceState struct {
	token string
}

// New creates an empty Store. Call ReloadIfChanged to populate it from src.
func New(log zerolog.Logger, src Source) *Store {
	return &Store{
		log:           log,
		byID:          make(map[string]*Entry),
		byIP:          make(map[string]*Entry),
		bySock:        make(map[int]*Entry),
		ridsQueue:     list.New(),
		socketCounter: make(map[int]uint64),
		source:        src,
	}
}

func isDynamicPattern(p string) bool {
	return p == "" || p == "any" || p == "*" || strings.Contains(p, "/")
}

func matchIP(pattern string, ip netip.Addr) bool {
	switch {
	case pattern == "" || pattern == "any" || pattern == "*":
		return true
	case strings.Contains(pattern, "/"):
		prefix, err := netip.ParsePrefix(pattern)
		if err != nil {
			return false
		}
		return prefix.Contains(ip)
	default:
		addr, err := netip.ParseAddr(pattern)
		if err != nil {
			return pattern == ip.String()
		}
		return addr == ip
	}
}

// LookupByID resolves an agent strictly by id, ignoring its ip pattern.
func (s *Store) LookupByID(id string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	return e, ok
}

// LookupByDynamicID resolves an agent by id, additionally requiring that
// callerIP matches the entry's (possibly dynamic) ip pattern (spec §4.3).
func (s *Store) LookupByDynamicID(id string, callerIP netip.Addr) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	if !matchIP(e.IPPattern, callerIP) {
		return nil, false
	}
	return e, true
}

// LookupByIP resolves an agent by source IP for the ip-addressed message
// path: fixed-IP entries first, then a scan of dynamic-pattern entries.
func (s *Store) LookupByIP(ip netip.Addr) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.byIP[ip.String()]; ok {
		return e, true
	}
	for _, e := range s.dyn {
		if matchIP(e.IPPattern, ip) {
			return e, true
		}
	}
	return nil, false
}

// StoredCounter returns the last counter recorded against sock, or 0 if
// none was ever recorded (a fresh, never-recycled socket).
func (s *Store) StoredCounter(sock int) uint64 {
	s.sockMu.Lock()
	defer s.sockMu.Unlock()
	return s.socketCounter[sock]
}

// SetSocketCounter records the current global counter against sock; called
// by CloseSocket (spec §4.6) so a later message carrying a stale counter for
// a recycled fd number can be recognized as stale.
func (s *Store) SetSocketCounter(sock int, counter uint64) {
	s.sockMu.Lock()
	defer s.sockMu.Unlock()
	s.socketCounter[sock] = counter
}

// BindSocket implements the §4.3 displacement protocol. It takes the store
// read-lock (entries are not being added/removed, only an existing entry's
// socket field is mutated) plus the entry's own mutex; bySock/socketCounter
// updates go through the independent sockMu so no lock is ever upgraded.
func (s *Store) BindSocket(agentID string, sock int, counter uint64) (result BindResult, socketToClose int, ok bool) {
	s.mu.RLock()
	e, found := s.byID[agentID]
	s.mu.RUnlock()
	if !found {
		return BindRejected, NoSocket, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s.sockMu.Lock()
	defer s.sockMu.Unlock()

	switch {
	case e.Sock == sock:
		s.socketCounter[sock] = counter
		return BindUpdated, NoSocket, true
	case e.Sock == NoSocket:
		e.Sock = sock
		s.bySock[sock] = e
		s.socketCounter[sock] = counter
		return BindAdded, NoSocket, true
	case counter > s.socketCounter[e.Sock]:
		stale := e.Sock
		delete(s.bySock, stale)
		e.Sock = sock
		s.bySock[sock] = e
		s.socketCounter[sock] = counter
		return BindUpdated, stale, true
	default:
		return BindRejected, sock, true
	}
}

// UnbindSocket detaches sock from whatever entry currently holds it, if any
// (spec §4.6, called from CloseSocket). It is idempotent.
func (s *Store) UnbindSocket(sock int) {
	s.sockMu.Lock()
	e, ok := s.bySock[sock]
	if ok {
		delete(s.bySock, sock)
	}
	s.sockMu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	if e.Sock == sock {
		e.Sock = NoSocket
	}
	e.mu.Unlock()
}

// HasConflictingSocket reports whether sock is a TCP socket and entry is
// currently bound to a different one (spec §4.7 step 2, "agent key already
// in use"); a UDP message (sock == NoSocket) never conflicts. It is checked
// before decrypt, ahead of the counter-gated displacement BindSocket
// applies after a message authenticates.
func (s *Store) HasConflictingSocket(entry *Entry, sock int) bool {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return sock != NoSocket && entry.Sock != NoSocket && entry.Sock != sock
}

// BoundSocketCount reports how many TCP sockets are currently bound to an
// entry, satisfying P5 alongside netbuf's own fd table.
func (s *Store) BoundSocketCount() int {
	s.sockMu.Lock()
	defer s.sockMu.Unlock()
	return len(s.bySock)
}

// UpdateCounter advances an entry's monotone counter (I3); it never
// decreases the stored value.
func (s *Store) UpdateCounter(agentID string, counter uint64) {
	s.mu.RLock()
	e, ok := s.byID[agentID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if counter > e.Counter {
		e.Counter = counter
	}
	e.mu.Unlock()
}

// UpdateControlInfo applies the field updates §4.7 makes when a control
// message is accepted, and returns a Snapshot for handoff to the control
// sink. It does not itself call BindSocket; callers invoke BindSocket
// separately per the TCP/non-shutdown rule in §4.7.
func (s *Store) UpdateControlInfo(agentID string, protocol Protocol, addr netip.AddrPort, now time.Time) (Snapshot, bool) {
	s.mu.RLock()
	e, ok := s.byID[agentID]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	e.NetProtocol = protocol
	e.LastReceivedAt = now
	e.PeerInfo = addr
	if protocol == ProtocolUDP {
		// Mirrors the original control-message branch: a UDP control
		// message always marks the entry as socket-less, independent of
		// BindSocket's TCP displacement rule.
		e.Sock = NoSocket
	}
	snap := e.snapshot()
	e.mu.Unlock()
	return snap, true
}

// TouchRids opens the rids handle on demand (via open) and moves the entry
// to the tail of the rids queue with UpdatingTime = now (spec §4.3).
func (s *Store) TouchRids(agentID string, now time.Time, open func(id string) (RidsHandle, error)) error {
	s.mu.RLock()
	e, ok := s.byID[agentID]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.RidsFP == nil {
		fp, err := open(agentID)
		if err != nil {
			return err
		}
		e.RidsFP = fp
	}

	s.mu.Lock()
	if e.ridsElem != nil {
		s.ridsQueue.Remove(e.ridsElem)
	}
	e.ridsElem = s.ridsQueue.PushBack(e)
	s.mu.Unlock()

	e.UpdatingTime = now
	return nil
}

// CloseIdleRids walks the rids queue from the head, closing any handle whose
// UpdatingTime is older than cutoff, stopping at the first still-fresh head
// (spec §4.9 "Rids-handle closer").
func (s *Store) CloseIdleRids(cutoff time.Time) int {
	closed := 0
	for {
		s.mu.Lock()
		front := s.ridsQueue.Front()
		if front == nil {
			s.mu.Unlock()
			return closed
		}
		e := front.Value.(*Entry)
		s.mu.Unlock()

		e.mu.Lock()
		stale := e.UpdatingTime.Before(cutoff)
		if stale {
			if e.RidsFP != nil {
				e.RidsFP.Close()
				e.RidsFP = nil
			}
			s.mu.Lock()
			if e.ridsElem != nil {
				s.ridsQueue.Remove(e.ridsElem)
				e.ridsElem = nil
			}
			s.mu.Unlock()
			e.UpdatingTime = time.Time{}
		}
		e.mu.Unlock()

		if !stale {
			return closed
		}
		closed++
	}
}

// ReloadIfChanged re-reads the key source if its change token differs from
// what was last observed, committing additions/removals atomically under
// the write-lock (spec §4.3).
func (s *Store) ReloadIfChanged() (changed bool, err error) {
	token, err := s.source.Stat()
	if err != nil {
		return false, err
	}
	if token == s.state.token {
		return false, nil
	}

	raws, err := s.source.Load()
	if err != nil {
		return false, err
	}

	fresh := make(map[string]*Entry, len(raws))
	var dyn []*Entry
	byIP := make(map[string]*Entry)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range raws {
		e, existed := s.byID[r.ID]
		if !existed {
			e = &Entry{ID: r.ID, Sock: NoSocket}
		}
		e.Name = r.Name
		e.RawKey = r.RawKey
		e.IPPattern = r.IPPattern
		fresh[r.ID] = e
		if isDynamicPattern(r.IPPattern) {
			dyn = append(dyn, e)
		} else {
			byIP[r.IPPattern] = e
		}
	}

	s.byID = fresh
	s.byIP = byIP
	s.dyn = dyn
	// bySock entries for ids that no longer exist are simply orphaned;
	// the bound socket will still be unbound correctly at close since
	// UnbindSocket looks the entry up by sock, not by id.
	s.state.token = token
	return true, nil
}
