package udpengine

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"tunrelay/pkg/bridge"
	"tunrelay/pkg/codec"
	"tunrelay/pkg/core"
	"tunrelay/pkg/flowtable"
	"tunrelay/pkg/logging"
)

// Engine relays UDP datagrams between the TUN side and host sockets.
type Engine struct {
	table   *flowtable.Table
	sockets core.SocketFactory
	toTUN   func([]byte) error

	mtu         int
	idleTimeout time.Duration

	metrics core.BridgeMetrics
}

// New constructs a UDP engine.
func New(table *flowtable.Table, sockets core.SocketFactory, cfg core.RelayConfig, toTUN func([]byte) error) *Engine {
	return &Engine{
		table:       table,
		sockets:     sockets,
		toTUN:       toTUN,
		mtu:         cfg.MTU,
		idleTimeout: cfg.UDPIdleTimeout,
	}
}

// Metrics returns a snapshot of the engine's bridge metrics.
func (e *Engine) Metrics() core.BridgeMetrics {
	return core.BridgeMetrics{
		ConnectionsCreated: atomic.LoadUint64(&e.metrics.ConnectionsCreated),
		ConnectionsClosed:  atomic.LoadUint64(&e.metrics.ConnectionsClosed),
		PacketsSent:        atomic.LoadUint64(&e.metrics.PacketsSent),
		PacketsReceived:    atomic.LoadUint64(&e.metrics.PacketsReceived),
		BytesSent:          atomic.LoadUint64(&e.metrics.BytesSent),
		BytesReceived:      atomic.LoadUint64(&e.metrics.BytesReceived),
		Errors:             atomic.LoadUint64(&e.metrics.Errors),
		ActiveFlows:        uint64(e.table.Len(flowtable.UDP)),
	}
}

// HandleOutbound processes one IPv4/UDP datagram arriving from the TUN
// device, dialing a host socket for the flow on first sight.
func (e *Engine) HandleOutbound(d *codec.Decoded) error {
	dg := d.UDP
	atomic.AddUint64(&e.metrics.PacketsReceived, 1)

	if net.IP(d.IP.Dst[:]).IsUnspecified() {
		atomic.AddUint64(&e.metrics.Errors, 1)
		return nil
	}

	key := flowtable.Key{
		Proto:      flowtable.UDP,
		LocalIP:    d.IP.Src,
		LocalPort:  dg.SrcPort,
		RemoteIP:   d.IP.Dst,
		RemotePort: dg.DstPort,
	}

	rec, ok := e.table.Lookup(key)
	if !ok {
		var dialErr error
		rec, dialErr = e.createSession(key, d.IP.TOS, d.IP.TTL)
		if dialErr != nil {
			atomic.AddUint64(&e.metrics.Errors, 1)
			return dialErr
		}
	}

	rec.Mu.Lock()
	sess, _ := rec.State.(*Session)
	rec.Mu.Unlock()
	if sess == nil {
		return nil
	}

	if !sess.Sock.Up.Push(append([]byte(nil), dg.Payload...)) {
		atomic.AddUint64(&e.metrics.Errors, 1)
		return nil
	}
	atomic.AddUint64(&e.metrics.BytesReceived, uint64(len(dg.Payload)))
	e.table.Touch(rec, time.Now())
	return nil
}

func (e *Engine) createSession(key flowtable.Key, tos, ttl byte) (*flowtable.FlowRecord, error) {
	raddr := &net.UDPAddr{IP: net.IP(key.RemoteIP[:]), Port: int(key.RemotePort)}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := e.sockets.DialDatagram(ctx, raddr)
	if err != nil {
		return nil, err
	}
	sock := bridge.NewSocket(conn, bridge.DefaultQueueCapacity, bridge.DefaultQueueCapacity)

	now := time.Now()
	rec, created, err := e.table.GetOrCreate(key, now, func() any {
		return &Session{Key: key, Sock: sock, TOS: tos, TTL: ttl, Created: now, LastActivity: now}
	})
	if err != nil {
		sock.Close()
		return nil, err
	}
	if !created {
		// Lost the race to another goroutine creating the same flow;
		// use its session and drop the redundant dial.
		sock.Close()
		return rec, nil
	}
	atomic.AddUint64(&e.metrics.ConnectionsCreated, 1)
	go e.reader(rec)
	return rec, nil
}

// reader relays datagrams from the host socket back to the client until
// the socket errors or the session is torn down.
func (e *Engine) reader(rec *flowtable.FlowRecord) {
	rec.Mu.Lock()
	sess, _ := rec.State.(*Session)
	rec.Mu.Unlock()
	if sess == nil {
		return
	}

	for {
		chunk, ok := sess.Sock.Down.Pop()
		if len(chunk) > 0 {
			e.deliver(rec, sess, chunk)
		}
		if !ok {
			return
		}
	}
}

func (e *Engine) deliver(rec *flowtable.FlowRecord, sess *Session, payload []byte) {
	rec.Mu.Lock()
	live, ok := rec.State.(*Session)
	stillLive := ok && live == sess
	rec.Mu.Unlock()
	if !stillLive {
		return
	}

	frags := codec.EncodeUDPFragments(sess.Key.RemoteIP, sess.Key.LocalIP, sess.Key.RemotePort, sess.Key.LocalPort,
		payload, sess.TOS, sess.TTL, e.mtu)
	for _, f := range frags {
		if err := e.toTUN(f); err != nil {
			atomic.AddUint64(&e.metrics.Errors, 1)
			return
		}
		atomic.AddUint64(&e.metrics.PacketsSent, 1)
	}
	atomic.AddUint64(&e.metrics.BytesSent, uint64(len(payload)))
	e.table.Touch(rec, time.Now())
}

// Tick evicts idle sessions. Callers run this periodically from the
// relay orchestrator's housekeeping loop.
func (e *Engine) Tick(now time.Time) {
	expired := e.table.Tick(flowtable.UDP, now, e.idleTimeout)
	for _, rec := range expired {
		rec.Mu.Lock()
		sess, ok := rec.State.(*Session)
		rec.Mu.Unlock()
		if !ok {
			continue
		}
		sess.Sock.Close()
		e.table.Remove(rec.Key)
		atomic.AddUint64(&e.metrics.ConnectionsClosed, 1)
		logging.Debugf("udpengine: evicted idle session %s", rec.Key)
	}
}
