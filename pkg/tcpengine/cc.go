package tcpengine

import "sync/atomic"

// CongestionControl is a minimal interface for a pluggable send-side
// congestion algorithm.
type CongestionControl interface {
	// Cwnd returns the current congestion window in bytes.
	Cwnd() int
	// OnAck reports n bytes cumulatively acknowledged.
	OnAck(n int)
	// OnLoss reports a loss event; timeout distinguishes an RTO from a
	// fast-retransmit trigger.
	OnLoss(timeout bool)
}

// newReno implements the NewReno congestion control algorithm: slow
// start below ssthresh, additive-increase congestion avoidance above it,
// multiplicative decrease on loss.
type newReno struct {
	mss      int
	cwnd     int64
	ssthresh int64
	caAcc    int64
}

// newNewReno constructs a NewReno controller with cwnd initialized to
// 2*mss, per the fixed initial window this engine uses regardless of
// path characteristics.
func newNewReno(mss int) *newReno {
	if mss <= 0 {
		mss = 1460
	}
	return &newReno{
		mss:      mss,
		cwnd:     int64(2 * mss),
		ssthresh: int64(64 * 1024),
	}
}

func (n *newReno) Cwnd() int { return int(atomic.LoadInt64(&n.cwnd)) }

func (n *newReno) OnAck(acked int) {
	if acked <= 0 {
		return
	}
	cw := atomic.LoadInt64(&n.cwnd)
	if cw < n.ssthresh {
		inc := int64(acked)
		if inc > int64(n.mss) {
			inc = int64(n.mss)
		}
		atomic.AddInt64(&n.cwnd, inc)
		return
	}
	if cw <= 0 {
		cw = int64(n.mss)
	}
	add := (int64(acked) * int64(n.mss)) / cw
	if add <= 0 {
		add = 1
	}
	n.caAcc += add
	if n.caAcc >= int64(n.mss) {
		grew := (n.caAcc / int64(n.mss)) * int64(n.mss)
		atomic.AddInt64(&n.cwnd, grew)
		n.caAcc -= grew
	}
}

func (n *newReno) OnLoss(timeout bool) {
	cw := atomic.LoadInt64(&n.cwnd)
	ssth := cw / 2
	if ssth < int64(2*n.mss) {
		ssth = int64(2 * n.mss)
	}
	n.ssthresh = ssth
	if timeout {
		atomic.StoreInt64(&n.cwnd, int64(n.mss))
	} else {
		atomic.StoreInt64(&n.cwnd, n.ssthresh+int64(3*n.mss))
	}
	n.caAcc = 0
}
