package tcpengine

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"tunrelay/pkg/bridge"
	"tunrelay/pkg/codec"
	"tunrelay/pkg/core"
	"tunrelay/pkg/flowtable"
	"tunrelay/pkg/hostsock"
	"tunrelay/pkg/logging"
	"tunrelay/pkg/timerwheel"
)

// isnTickPeriod is the RFC 6528-style clock period the keyed-hash ISN's
// timer component advances by: the same secret+key hash always contributes
// the same offset, but the additive clock still moves the actual ISN
// forward so successive connections against the same flow key don't reuse
// sequence numbers within an old connection's lifetime.
const isnTickPeriod = 4 * time.Microsecond

// ErrFlowCapReached mirrors flowtable.ErrFull for callers that only
// import this package.
var ErrFlowCapReached = flowtable.ErrFull

// Engine terminates TCP connections arriving from the TUN side: it runs
// the RFC 793 state machine and owns the host sockets those flows are
// bridged to.
type Engine struct {
	table   *flowtable.Table
	wheel   *timerwheel.Wheel
	sockets core.SocketFactory
	toTUN   func([]byte) error

	mss              uint16
	ackDelay         time.Duration
	reassemblyCap    int
	timeWaitDuration time.Duration
	maxLifetime      time.Duration
	dialErrorSignal  string

	metrics core.BridgeMetrics

	isnSecret [32]byte
}

// New constructs a TCP engine. toTUN is called with fully-formed IPv4
// packets to deliver back toward the TUN device.
func New(table *flowtable.Table, wheel *timerwheel.Wheel, sockets core.SocketFactory, cfg core.RelayConfig, toTUN func([]byte) error) *Engine {
	e := &Engine{
		table:            table,
		wheel:            wheel,
		sockets:          sockets,
		toTUN:            toTUN,
		mss:              uint16(cfg.TCPMSS),
		ackDelay:         cfg.TCPAckDelay,
		reassemblyCap:    cfg.TCPReassemblyCap,
		timeWaitDuration: cfg.TimeWaitDuration,
		maxLifetime:      cfg.TCPMaxLifetime,
		dialErrorSignal:  cfg.TCPDialErrorSignal,
	}
	if _, err := rand.Read(e.isnSecret[:]); err != nil {
		// crypto/rand failing means the platform CSPRNG is broken; a
		// zero secret still keeps ISNs distinct per flow key via the
		// clock term, just without the unpredictability guarantee.
		logging.Warnf("tcpengine: crypto/rand unavailable for ISN secret: %v", err)
	}
	return e
}

// nextISN derives the initial sequence number for a new flow. It combines
// a keyed hash of the flow's 5-tuple (so ISNs aren't predictable from
// outside the process, resisting blind off-path injection from the TUN
// side) with a fast free-running clock (so a rapid close/reopen of the
// same 5-tuple never reuses a recent ISN), per RFC 6528.
func (e *Engine) nextISN(key flowtable.Key) uint32 {
	var buf [13]byte
	copy(buf[0:4], key.LocalIP[:])
	binary.BigEndian.PutUint16(buf[4:6], key.LocalPort)
	copy(buf[6:10], key.RemoteIP[:])
	binary.BigEndian.PutUint16(buf[10:12], key.RemotePort)
	buf[12] = byte(key.Proto)

	mac := hmac.New(sha256.New, e.isnSecret[:])
	mac.Write(buf[:])
	sum := mac.Sum(nil)
	offset := binary.BigEndian.Uint32(sum)

	clock := uint32(time.Now().UnixNano() / int64(isnTickPeriod))
	return clock + offset
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
		ActiveFlows:        uint64(e.table.Len(flowtable.TCP)),
	}
}

// HandleOutbound processes one IPv4/TCP packet received from the TUN
// device (client -> relay direction).
func (e *Engine) HandleOutbound(d *codec.Decoded) error {
	seg := d.TCP
	atomic.AddUint64(&e.metrics.PacketsReceived, 1)

	key := flowtable.Key{
		Proto:      flowtable.TCP,
		LocalIP:    d.IP.Src,
		LocalPort:  seg.SrcPort,
		RemoteIP:   d.IP.Dst,
		RemotePort: seg.DstPort,
	}

	if seg.Flags&codec.FlagRST != 0 {
		if rec, ok := e.table.Lookup(key); ok {
			e.closeAbortive(rec)
		}
		return nil
	}

	isFreshSYN := seg.Flags&codec.FlagSYN != 0 && seg.Flags&codec.FlagACK == 0
	if !isFreshSYN {
		// Only a flow already in the table can advance; a stray
		// segment for an unknown flow gets an RST.
		rec, ok := e.table.Lookup(key)
		if !ok {
			e.rejectUnknownFlow(d, seg)
			return nil
		}
		rec.Mu.Lock()
		defer rec.Mu.Unlock()
		cb, ok := rec.State.(*ControlBlock)
		if !ok {
			return nil
		}
		e.step(rec, cb, seg)
		return nil
	}

	rec, created, err := e.table.GetOrCreate(key, time.Now(), func() any { return nil })
	if err != nil {
		if errors.Is(err, flowtable.ErrFull) {
			e.sendRST(d.IP.Dst, d.IP.Src, seg.DstPort, seg.SrcPort, 0, seg.Seq+1)
		}
		atomic.AddUint64(&e.metrics.Errors, 1)
		return err
	}
	if !created {
		// Duplicate SYN retransmission for a flow already underway;
		// nothing new to do.
		return nil
	}

	rec.Mu.Lock()
	defer rec.Mu.Unlock()
	e.beginHandshake(rec, d, seg, d.IP.TOS, d.IP.TTL)
	return nil
}

// beginHandshake creates a ControlBlock for a fresh SYN, sends the
// SYN-ACK immediately, and dials the host socket in the background.
func (e *Engine) beginHandshake(rec *flowtable.FlowRecord, d *codec.Decoded, seg *codec.TCPSegment, tos, ttl byte) {
	mss, wscale, wscalePresent := codec.ParseSYNOptions(seg.Options)
	effMSS := e.mss
	if mss > 0 && mss < effMSS {
		effMSS = mss
	}
	outWScale := -1
	if wscalePresent {
		outWScale = 0
	}

	serverISN := e.nextISN(rec.Key)
	cb := &ControlBlock{
		Key:           rec.Key,
		State:         StateSynReceived,
		ClientISN:     seg.Seq,
		ServerISN:     serverISN,
		ClientNext:    seg.Seq + 1,
		ServerNext:    serverISN + 1,
		SndUna:        serverISN + 1,
		MSS:           effMSS,
		WScaleIn:      uint8(wscale),
		ReassemblyCap: e.reassemblyCap,
		RTO:           newRTOEstimator(),
		CC:            newNewReno(int(effMSS)),
		PendCap:       64 * 1024,
		Connecting:    true,
		Created:       time.Now(),
		LastActivity:  time.Now(),
		TOS:           tos,
		TTL:           ttl,
	}
	if outWScale >= 0 {
		cb.WScaleOut = uint8(outWScale)
	}
	rec.State = cb

	synack := codec.EncodeTCP(cb.Key.RemoteIP, cb.Key.LocalIP, cb.Key.RemotePort, cb.Key.LocalPort,
		cb.ServerISN, cb.ClientNext, codec.FlagSYN|codec.FlagACK, cb.rcvWindow(), cb.MSS, outWScale, nil, tos, ttl)
	e.emit(cb, synack)

	atomic.AddUint64(&e.metrics.ConnectionsCreated, 1)

	go e.dial(rec, cb)
}

func (e *Engine) dial(rec *flowtable.FlowRecord, cb *ControlBlock) {
	raddr := &net.TCPAddr{IP: net.IP(cb.Key.RemoteIP[:]), Port: int(cb.Key.RemotePort)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := e.sockets.DialStream(ctx, raddr)

	rec.Mu.Lock()
	defer rec.Mu.Unlock()
	live, ok := rec.State.(*ControlBlock)
	if !ok || live != cb || cb.State == StateClosed {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		logging.Debugf("tcpengine: dial %s: %v", raddr, err)
		e.signalDialFailure(cb)
		atomic.AddUint64(&e.metrics.Errors, 1)
		e.table.Remove(cb.Key)
		return
	}
	sock := bridge.NewSocket(conn, cb.PendCap, bridge.DefaultQueueCapacity)
	cb.Sock = sock
	cb.Connecting = false
	for _, p := range cb.PendingOut {
		sock.Up.Push(p)
	}
	cb.PendingOut = nil
	cb.PendingBytes = 0
	go e.pump(rec, cb, sock)
}

// pump drains the socket's down queue (bytes read from the host) and
// hands each chunk to the client until the socket is closed or the flow
// is torn down. A clean host EOF schedules the flow's own FIN; a real
// host socket error resets the flow instead, per the read/write-error
// error kind.
func (e *Engine) pump(rec *flowtable.FlowRecord, cb *ControlBlock, sock *bridge.Socket) {
	for {
		chunk, ok := sock.Down.Pop()
		if len(chunk) > 0 {
			e.deliverFromHost(rec, cb, sock, chunk)
		}
		if !ok {
			rec.Mu.Lock()
			if live, ok := rec.State.(*ControlBlock); ok && live == cb && cb.Sock == sock {
				if err := sock.Err(); err != nil {
					e.abortOnHostError(rec, cb, err)
				} else {
					e.beginActiveClose(rec, cb)
				}
			}
			rec.Mu.Unlock()
			return
		}
	}
}

// abortOnHostError tears a flow down with an RST after a genuine host
// socket read or write failure (not a clean EOF), matching the "host
// socket read/write error" handling policy: same as a dial failure.
func (e *Engine) abortOnHostError(rec *flowtable.FlowRecord, cb *ControlBlock, err error) {
	logging.Debugf("tcpengine: host socket error on %s: %v", cb.Key, err)
	e.sendRST(cb.Key.RemoteIP, cb.Key.LocalIP, cb.Key.RemotePort, cb.Key.LocalPort, cb.ServerNext, cb.ClientNext)
	atomic.AddUint64(&e.metrics.Errors, 1)
	e.closeAbortive(rec)
}

// deliverFromHost segments application bytes from the host socket into
// MSS-sized TCP segments, respecting the send window, and hands each to
// toTUN.
func (e *Engine) deliverFromHost(rec *flowtable.FlowRecord, cb *ControlBlock, sock *bridge.Socket, data []byte) {
	rec.Mu.Lock()
	defer rec.Mu.Unlock()
	if live, ok := rec.State.(*ControlBlock); !ok || live != cb || cb.Sock != sock {
		return
	}
	for len(data) > 0 {
		avail := cb.sendWindow()
		if avail <= 0 {
			wasPersisting := cb.Persisting
			cb.Persisting = true
			e.armPersist(rec, cb, !wasPersisting)
			return
		}
		n := int(cb.MSS)
		if n > avail {
			n = avail
		}
		if n > len(data) {
			n = len(data)
		}
		chunk := data[:n]
		data = data[n:]

		seq := cb.ServerNext
		pkt := codec.EncodeTCP(cb.Key.RemoteIP, cb.Key.LocalIP, cb.Key.RemotePort, cb.Key.LocalPort,
			seq, cb.ClientNext, codec.FlagACK|codec.FlagPSH, cb.rcvWindow(), 0, -1, chunk, cb.TOS, cb.TTL)
		e.emit(cb, pkt)

		cb.TxQueue = append(cb.TxQueue, pendingSeg{seq: seq, data: append([]byte(nil), chunk...), sentAt: time.Now()})
		cb.ServerNext += uint32(n)
		e.armRetransmit(rec, cb)
	}
}

// step advances the state machine for a non-SYN, non-RST segment on an
// existing flow.
func (e *Engine) step(rec *flowtable.FlowRecord, cb *ControlBlock, seg *codec.TCPSegment) {
	cb.LastActivity = time.Now()
	e.table.Touch(rec, cb.LastActivity)

	if seg.Flags&codec.FlagACK != 0 {
		e.handleAck(rec, cb, seg)
	}

	if len(seg.Payload) > 0 {
		e.handleData(rec, cb, seg)
	}

	if seg.Flags&codec.FlagFIN != 0 {
		e.handleFin(rec, cb, seg)
	}
}

func (e *Engine) handleAck(rec *flowtable.FlowRecord, cb *ControlBlock, seg *codec.TCPSegment) {
	if seq32Less(cb.ServerNext, seg.Ack) {
		// Ack of data this engine never sent. RFC 793 §3.9's "reset
		// generation" rule: take the reset's sequence number from the
		// segment's own ACK field.
		e.sendRSTFlags(cb.Key.RemoteIP, cb.Key.LocalIP, cb.Key.RemotePort, cb.Key.LocalPort, seg.Ack, 0, codec.FlagRST)
		atomic.AddUint64(&e.metrics.Errors, 1)
		e.closeAbortive(rec)
		return
	}

	if cb.State == StateSynReceived {
		cb.State = StateEstablished
	}
	cb.AdvWindow = uint32(seg.Window) << cb.WScaleIn

	if seg.Ack == cb.LastAck && len(cb.TxQueue) > 0 {
		cb.DupAcks++
		if cb.DupAcks == 3 {
			e.fastRetransmit(rec, cb)
		}
		return
	}
	if seq32Less(cb.LastAck, seg.Ack) {
		cb.LastAck = seg.Ack
		cb.DupAcks = 0
		acked, rtt := cb.ackTx(seg.Ack, time.Now())
		if acked > 0 {
			cb.SndUna = seg.Ack
			cb.CC.OnAck(acked)
			if rtt > 0 {
				cb.RTO.Sample(rtt)
			}
			atomic.AddUint64(&e.metrics.BytesSent, uint64(acked))
		}
		if len(cb.TxQueue) == 0 {
			e.wheel.Cancel(cb.RetransmitTimer)
		}
		if cb.Persisting && cb.sendWindow() > 0 {
			cb.Persisting = false
			cb.PersistBackoff = 0
			e.wheel.Cancel(cb.PersistTimer)
		}
	}

	if cb.FinSent && !cb.FinAcked && seq32LessEqual(cb.ServerNext, seg.Ack) {
		cb.FinAcked = true
		switch cb.State {
		case StateFinWait1:
			cb.State = StateFinWait2
		case StateClosing:
			e.enterTimeWait(rec, cb)
		case StateLastAck:
			e.finish(rec, cb)
		}
	}
}

func (e *Engine) handleData(rec *flowtable.FlowRecord, cb *ControlBlock, seg *codec.TCPSegment) {
	if cb.State != StateEstablished && cb.State != StateFinWait1 && cb.State != StateFinWait2 {
		return
	}
	var deliver []byte
	if seg.Seq == cb.ClientNext {
		deliver = append([]byte(nil), seg.Payload...)
		cb.ClientNext += uint32(len(seg.Payload))
		deliver = append(deliver, cb.reassemble()...)
	} else if seq32Less(cb.ClientNext, seg.Seq) {
		cb.insertOOO(seg.Seq, seg.Payload)
	}

	if len(deliver) > 0 {
		if cb.Sock != nil {
			cb.Sock.Up.Push(deliver)
		} else {
			cb.PendingOut = append(cb.PendingOut, deliver)
			cb.PendingBytes += len(deliver)
		}
		atomic.AddUint64(&e.metrics.BytesReceived, uint64(len(deliver)))
	}

	e.scheduleAck(rec, cb)
}

func (e *Engine) handleFin(rec *flowtable.FlowRecord, cb *ControlBlock, seg *codec.TCPSegment) {
	if cb.PeerFinReceived {
		return
	}
	cb.PeerFinReceived = true
	cb.PeerFinSeq = seg.Seq + uint32(len(seg.Payload))
	cb.ClientNext = cb.PeerFinSeq + 1

	switch cb.State {
	case StateEstablished:
		cb.State = StateCloseWait
	case StateFinWait1:
		cb.State = StateClosing
	case StateFinWait2:
		e.enterTimeWait(rec, cb)
	}
	e.wheel.Cancel(cb.DelayedAckTimer)
	e.sendAck(cb)
}

// beginActiveClose is invoked when the host socket reaches a clean EOF,
// initiating the relay's half of connection teardown. Host socket errors
// go to abortOnHostError instead.
func (e *Engine) beginActiveClose(rec *flowtable.FlowRecord, cb *ControlBlock) {
	if cb.FinSent {
		return
	}
	cb.FinSent = true
	pkt := codec.EncodeTCP(cb.Key.RemoteIP, cb.Key.LocalIP, cb.Key.RemotePort, cb.Key.LocalPort,
		cb.ServerNext, cb.ClientNext, codec.FlagFIN|codec.FlagACK, cb.rcvWindow(), 0, -1, nil, cb.TOS, cb.TTL)
	e.emit(cb, pkt)
	cb.ServerNext++

	switch cb.State {
	case StateCloseWait:
		cb.State = StateLastAck
	default:
		cb.State = StateFinWait1
	}
}

func (e *Engine) fastRetransmit(rec *flowtable.FlowRecord, cb *ControlBlock) {
	if len(cb.TxQueue) == 0 {
		return
	}
	cb.CC.OnLoss(false)
	seg := cb.TxQueue[0]
	pkt := codec.EncodeTCP(cb.Key.RemoteIP, cb.Key.LocalIP, cb.Key.RemotePort, cb.Key.LocalPort,
		seg.seq, cb.ClientNext, codec.FlagACK, cb.rcvWindow(), 0, -1, seg.data, cb.TOS, cb.TTL)
	e.emit(cb, pkt)
	cb.TxQueue[0].retries++
	cb.TxQueue[0].sentAt = time.Now()
}

func (e *Engine) closeAbortive(rec *flowtable.FlowRecord) {
	if cb, ok := rec.State.(*ControlBlock); ok {
		if cb.Sock != nil {
			cb.Sock.Close()
		}
		e.wheel.Cancel(cb.RetransmitTimer)
		e.wheel.Cancel(cb.PersistTimer)
		e.wheel.Cancel(cb.DelayedAckTimer)
		e.wheel.Cancel(cb.TimeWaitTimer)
		atomic.AddUint64(&e.metrics.ConnectionsClosed, 1)
	}
	e.table.Remove(rec.Key)
}

func (e *Engine) enterTimeWait(rec *flowtable.FlowRecord, cb *ControlBlock) {
	cb.State = StateTimeWait
	cb.TimeWaitTimer = e.wheel.Arm(e.timeWaitDuration, func() {
		rec.Mu.Lock()
		defer rec.Mu.Unlock()
		if live, ok := rec.State.(*ControlBlock); ok && live == cb {
			e.finish(rec, cb)
		}
	})
}

func (e *Engine) finish(rec *flowtable.FlowRecord, cb *ControlBlock) {
	if cb.Sock != nil {
		cb.Sock.Close()
	}
	e.wheel.Cancel(cb.RetransmitTimer)
	e.wheel.Cancel(cb.PersistTimer)
	e.wheel.Cancel(cb.DelayedAckTimer)
	e.table.Remove(rec.Key)
	atomic.AddUint64(&e.metrics.ConnectionsClosed, 1)
	cb.State = StateClosed
}

func (e *Engine) scheduleAck(rec *flowtable.FlowRecord, cb *ControlBlock) {
	if cb.AckPending {
		return
	}
	cb.AckPending = true
	cb.DelayedAckTimer = e.wheel.Arm(e.ackDelay, func() {
		rec.Mu.Lock()
		defer rec.Mu.Unlock()
		if live, ok := rec.State.(*ControlBlock); ok && live == cb && cb.AckPending {
			cb.AckPending = false
			e.sendAck(cb)
		}
	})
}

func (e *Engine) sendAck(cb *ControlBlock) {
	pkt := codec.EncodeTCP(cb.Key.RemoteIP, cb.Key.LocalIP, cb.Key.RemotePort, cb.Key.LocalPort,
		cb.ServerNext, cb.ClientNext, codec.FlagACK, cb.rcvWindow(), 0, -1, nil, cb.TOS, cb.TTL)
	e.emit(cb, pkt)
}

func (e *Engine) armRetransmit(rec *flowtable.FlowRecord, cb *ControlBlock) {
	e.wheel.Cancel(cb.RetransmitTimer)
	cb.RetransmitTimer = e.wheel.Arm(cb.RTO.RTO(), func() {
		rec.Mu.Lock()
		defer rec.Mu.Unlock()
		e.onRetransmitTimeout(rec, cb)
	})
}

func (e *Engine) onRetransmitTimeout(rec *flowtable.FlowRecord, cb *ControlBlock) {
	live, ok := rec.State.(*ControlBlock)
	if !ok || live != cb || len(cb.TxQueue) == 0 {
		return
	}
	seg := &cb.TxQueue[0]
	if seg.retries >= maxRetransmits {
		e.sendRST(cb.Key.RemoteIP, cb.Key.LocalIP, cb.Key.RemotePort, cb.Key.LocalPort, cb.ServerNext, cb.ClientNext)
		atomic.AddUint64(&e.metrics.Errors, 1)
		e.closeAbortive(rec)
		return
	}
	cb.CC.OnLoss(true)
	cb.RTO.Backoff()
	seg.retries++
	seg.sentAt = time.Now()
	pkt := codec.EncodeTCP(cb.Key.RemoteIP, cb.Key.LocalIP, cb.Key.RemotePort, cb.Key.LocalPort,
		seg.seq, cb.ClientNext, codec.FlagACK, cb.rcvWindow(), 0, -1, seg.data, cb.TOS, cb.TTL)
	e.emit(cb, pkt)
	e.armRetransmit(rec, cb)
}

// armPersist arms the zero-window persist timer. Its backoff is tracked
// independently of the retransmission RTO (RFC 1122 §4.2.2.17: persist and
// retransmit timers are distinct), doubling on every firing up to maxRTO
// (60s). reset restarts the backoff at minRTO, used the first time a flow
// enters persist mode; subsequent re-arms from the timer callback itself
// pass reset=false so the interval keeps growing.
func (e *Engine) armPersist(rec *flowtable.FlowRecord, cb *ControlBlock, reset bool) {
	e.wheel.Cancel(cb.PersistTimer)
	if reset || cb.PersistBackoff <= 0 {
		cb.PersistBackoff = minRTO
	}
	interval := cb.PersistBackoff
	cb.PersistTimer = e.wheel.Arm(interval, func() {
		rec.Mu.Lock()
		defer rec.Mu.Unlock()
		live, ok := rec.State.(*ControlBlock)
		if !ok || live != cb || !cb.Persisting {
			return
		}
		// Probe with an empty ACK segment at ServerNext-1 to elicit an ACK
		// carrying the client's current window; no data byte is sent.
		pkt := codec.EncodeTCP(cb.Key.RemoteIP, cb.Key.LocalIP, cb.Key.RemotePort, cb.Key.LocalPort,
			cb.ServerNext-1, cb.ClientNext, codec.FlagACK, cb.rcvWindow(), 0, -1, nil, cb.TOS, cb.TTL)
		e.emit(cb, pkt)
		cb.PersistBackoff = clampRTO(cb.PersistBackoff * 2)
		e.armPersist(rec, cb, false)
	})
}

// Tick enforces tcp_max_lifetime on flows that have been open too long,
// independent of idle time, and sweeps any TIME_WAIT flow that has sat
// idle well past its own timer as a safety net. Callers run this
// periodically from the relay orchestrator's housekeeping loop.
func (e *Engine) Tick(now time.Time) {
	// tcp_max_lifetime must be checked against every live flow, not just
	// idle ones: an actively-transmitting flow's LastActivity is touched
	// on every segment (see Table.Touch in step()), so it would never
	// appear in an idle-bounded scan and the cap would never fire.
	for _, rec := range e.table.All(flowtable.TCP) {
		rec.Mu.Lock()
		if cb, ok := rec.State.(*ControlBlock); ok {
			if now.Sub(cb.Created) > e.maxLifetime {
				e.closeAbortive(rec)
			}
		}
		rec.Mu.Unlock()
	}

	idle := e.table.Tick(flowtable.TCP, now, 5*time.Minute)
	for _, rec := range idle {
		rec.Mu.Lock()
		if cb, ok := rec.State.(*ControlBlock); ok && cb.State == StateTimeWait {
			e.closeAbortive(rec)
		}
		rec.Mu.Unlock()
	}
}

func (e *Engine) emit(cb *ControlBlock, pkt []byte) {
	if err := e.toTUN(pkt); err != nil {
		atomic.AddUint64(&e.metrics.Errors, 1)
		return
	}
	atomic.AddUint64(&e.metrics.PacketsSent, 1)
}

func (e *Engine) sendRST(srcIP, dstIP [4]byte, srcPort, dstPort uint16, seq, ack uint32) {
	e.sendRSTFlags(srcIP, dstIP, srcPort, dstPort, seq, ack, codec.FlagRST|codec.FlagACK)
}

func (e *Engine) sendRSTFlags(srcIP, dstIP [4]byte, srcPort, dstPort uint16, seq, ack uint32, flags byte) {
	pkt := codec.EncodeTCP(srcIP, dstIP, srcPort, dstPort, seq, ack, flags, 0, 0, -1, nil, 0, 64)
	_ = e.toTUN(pkt)
}

// rejectUnknownFlow replies to a non-SYN segment that names a flow the
// table has no record of. Per RFC 793 §3.4: if the segment carries an ACK,
// the reset's sequence number is that ack; otherwise the reset carries an
// ACK acknowledging the sequence space the segment consumed.
func (e *Engine) rejectUnknownFlow(d *codec.Decoded, seg *codec.TCPSegment) {
	if seg.Flags&codec.FlagACK != 0 {
		e.sendRSTFlags(d.IP.Dst, d.IP.Src, seg.DstPort, seg.SrcPort, seg.Ack, 0, codec.FlagRST)
		return
	}
	segLen := uint32(len(seg.Payload))
	if seg.Flags&codec.FlagSYN != 0 {
		segLen++
	}
	if seg.Flags&codec.FlagFIN != 0 {
		segLen++
	}
	e.sendRSTFlags(d.IP.Dst, d.IP.Src, seg.DstPort, seg.SrcPort, 0, seg.Seq+segLen, codec.FlagRST|codec.FlagACK)
}

// signalDialFailure tells the client its connection attempt failed, using
// whichever signal RelayConfig.TCPDialErrorSignal selects.
func (e *Engine) signalDialFailure(cb *ControlBlock) {
	if e.dialErrorSignal == "icmp" {
		clientSYN := codec.EncodeTCP(cb.Key.LocalIP, cb.Key.RemoteIP, cb.Key.LocalPort, cb.Key.RemotePort,
			cb.ClientISN, 0, codec.FlagSYN, 65535, 0, -1, nil, cb.TOS, cb.TTL)
		if unreachable := hostsock.BuildUnreachable(cb.Key.RemoteIP, cb.Key.LocalIP, hostsock.CodeHostUnreachable, clientSYN); unreachable != nil {
			_ = e.toTUN(unreachable)
			return
		}
	}
	e.sendRST(cb.Key.RemoteIP, cb.Key.LocalIP, cb.Key.RemotePort, cb.Key.LocalPort, cb.ServerNext, cb.ClientNext)
}
