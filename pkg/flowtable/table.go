package flowtable

import (
	"container/list"
	"errors"
	"sync"
	"time"
)

// ErrFull is returned by GetOrCreate when the relevant protocol's flow cap
// has been reached.
var ErrFull = errors.New("flowtable: protocol flow cap reached")

// FlowRecord is a single flow's table entry. State holds the protocol
// engine's own control block (a *tcpengine.ControlBlock or
// *udpengine.Session); flowtable never inspects it. Mu serializes all
// per-flow event processing per the single-owner ordering guarantee: every
// engine method that touches this record's State must hold Mu for the
// duration.
type FlowRecord struct {
	Key          Key
	Mu           sync.Mutex
	State        any
	LastActivity time.Time
	Terminal     bool

	elem *list.Element
}

// touch updates the record's last-activity timestamp only; moving the
// record within the eviction list is done by Table.Touch and GetOrCreate.
func (r *FlowRecord) touch(now time.Time) { r.LastActivity = now }

// Table is the protocol-agnostic flow table: O(1) lookup by key, an
// auxiliary doubly-linked list ordered by last activity for amortized
// tick() eviction scans, and independent per-protocol caps.
type Table struct {
	mu      sync.RWMutex
	records map[Key]*FlowRecord
	lru     *list.List // list.Element.Value is *FlowRecord, most-recently-active at Front

	tcpCap, udpCap     int
	tcpCount, udpCount int
}

// NewTable constructs a Table with the given per-protocol flow caps. A cap
// of zero means unlimited.
func NewTable(tcpCap, udpCap int) *Table {
	return &Table{
		records: make(map[Key]*FlowRecord),
		lru:     list.New(),
		tcpCap:  tcpCap,
		udpCap:  udpCap,
	}
}

// Lookup returns the record for k, if any.
func (t *Table) Lookup(k Key) (*FlowRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[k]
	return r, ok
}

// GetOrCreate returns the existing record for k, or creates one using
// newState() if none exists. created reports whether a new record was
// created. Returns ErrFull if k's protocol is at its cap and no record for
// k already exists.
func (t *Table) GetOrCreate(k Key, now time.Time, newState func() any) (rec *FlowRecord, created bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.records[k]; ok {
		r.touch(now)
		t.lru.MoveToFront(r.elem)
		return r, false, nil
	}

	if k.Proto == TCP && t.tcpCap > 0 && t.tcpCount >= t.tcpCap {
		return nil, false, ErrFull
	}
	if k.Proto == UDP && t.udpCap > 0 && t.udpCount >= t.udpCap {
		return nil, false, ErrFull
	}

	r := &FlowRecord{Key: k, State: newState(), LastActivity: now}
	r.elem = t.lru.PushFront(r)
	t.records[k] = r
	switch k.Proto {
	case TCP:
		t.tcpCount++
	case UDP:
		t.udpCount++
	}
	return r, true, nil
}

// Touch marks r as recently active and moves it to the front of the
// eviction list.
func (t *Table) Touch(r *FlowRecord, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[r.Key]; !ok {
		return
	}
	r.touch(now)
	t.lru.MoveToFront(r.elem)
}

// Remove deletes the record for k, if present.
func (t *Table) Remove(k Key) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[k]
	if !ok {
		return
	}
	t.lru.Remove(r.elem)
	delete(t.records, k)
	switch k.Proto {
	case TCP:
		t.tcpCount--
	case UDP:
		t.udpCount--
	}
}

// Tick scans from the least-recently-active end of the LRU list and returns
// every record whose LastActivity is older than idleTimeout for the given
// protocol. It stops at the first record that is not yet idle, since the
// list is kept sorted by activity. The caller decides whether to actually
// evict each returned record (e.g. a TCP flow mid-handshake may want a
// longer grace period than plain idle time allows).
func (t *Table) Tick(proto Proto, now time.Time, idleTimeout time.Duration) []*FlowRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var expired []*FlowRecord
	for e := t.lru.Back(); e != nil; e = e.Prev() {
		r := e.Value.(*FlowRecord)
		if r.Key.Proto != proto {
			continue
		}
		if now.Sub(r.LastActivity) < idleTimeout {
			break
		}
		expired = append(expired, r)
	}
	return expired
}

// All returns every flow record for the given protocol, regardless of
// activity. Unlike Tick, this is not bounded by idle time: it exists for
// checks that must run independent of activity, such as a hard cap on a
// flow's total lifetime, where an actively-transmitting flow that never
// goes idle must still be considered.
func (t *Table) All(proto Proto) []*FlowRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var all []*FlowRecord
	for e := t.lru.Front(); e != nil; e = e.Next() {
		r := e.Value.(*FlowRecord)
		if r.Key.Proto == proto {
			all = append(all, r)
		}
	}
	return all
}

// Len returns the number of flow records currently held, optionally
// filtered by protocol (pass 0 for both).
func (t *Table) Len(proto Proto) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch proto {
	case TCP:
		return t.tcpCount
	case UDP:
		return t.udpCount
	default:
		return len(t.records)
	}
}
