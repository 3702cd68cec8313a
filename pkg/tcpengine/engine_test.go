package tcpengine

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"tunrelay/pkg/codec"
	"tunrelay/pkg/core"
	"tunrelay/pkg/flowtable"
	"tunrelay/pkg/timerwheel"
)

type collector struct {
	mu   sync.Mutex
	pkts [][]byte
	ch   chan []byte
}

func newCollector() *collector {
	return &collector{ch: make(chan []byte, 64)}
}

func (c *collector) send(pkt []byte) error {
	c.mu.Lock()
	c.pkts = append(c.pkts, append([]byte(nil), pkt...))
	c.mu.Unlock()
	select {
	case c.ch <- pkt:
	default:
	}
	return nil
}

func (c *collector) waitFlags(t *testing.T, want byte, timeout time.Duration) *codec.Decoded {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case pkt := <-c.ch:
			d, err := codec.Decode(pkt)
			if err != nil || d.TCP == nil {
				continue
			}
			if d.TCP.Flags&want == want {
				return d
			}
		case <-deadline:
			t.Fatalf("timed out waiting for TCP flags 0x%02x", want)
			return nil
		}
	}
}

func testConfig() core.RelayConfig {
	cfg := core.DefaultRelayConfig()
	cfg.TCPAckDelay = 10 * time.Millisecond
	return cfg
}

func clientIP() [4]byte { return [4]byte{10, 0, 0, 5} }
func serverIP() [4]byte { return [4]byte{93, 184, 216, 34} }

func buildClientSYN(clientPort, serverPort uint16, isn uint32) []byte {
	return codec.EncodeTCP(clientIP(), serverIP(), clientPort, serverPort, isn, 0, codec.FlagSYN, 65535, 1460, -1, nil, 0, 64)
}

func TestHandshakeCompletesAndConnectsHostSocket(t *testing.T) {
	table := flowtable.NewTable(0, 0)
	wheel := timerwheel.New()
	wheel.Run()
	defer wheel.Stop()

	dialed := make(chan struct{})
	var serverEnd net.Conn
	factory := &mockSocketFactory{
		dial: func(ctx context.Context, raddr *net.TCPAddr) (net.Conn, error) {
			c1, c2 := net.Pipe()
			serverEnd = c2
			close(dialed)
			return c1, nil
		},
	}

	out := newCollector()
	eng := New(table, wheel, factory, testConfig(), out.send)

	synPkt := buildClientSYN(40000, 80, 1000)
	d, err := codec.Decode(synPkt)
	if err != nil {
		t.Fatalf("decode syn: %v", err)
	}
	if err := eng.HandleOutbound(d); err != nil {
		t.Fatalf("handle syn: %v", err)
	}

	synack := out.waitFlags(t, codec.FlagSYN|codec.FlagACK, time.Second)
	if synack.TCP.Ack != 1001 {
		t.Fatalf("expected ack 1001, got %d", synack.TCP.Ack)
	}

	select {
	case <-dialed:
	case <-time.After(time.Second):
		t.Fatal("host socket was never dialed")
	}

	ackPkt := codec.EncodeTCP(clientIP(), serverIP(), 40000, 80, 1001, synack.TCP.Seq+1, codec.FlagACK, 65535, 0, -1, nil, 0, 64)
	ackDecoded, _ := codec.Decode(ackPkt)
	if err := eng.HandleOutbound(ackDecoded); err != nil {
		t.Fatalf("handle ack: %v", err)
	}

	if serverEnd == nil {
		t.Fatal("expected host-side pipe end to be set")
	}
}

func TestClientDataReachesHostSocket(t *testing.T) {
	table := flowtable.NewTable(0, 0)
	wheel := timerwheel.New()
	wheel.Run()
	defer wheel.Stop()

	var serverEnd net.Conn
	dialed := make(chan struct{})
	factory := &mockSocketFactory{
		dial: func(ctx context.Context, raddr *net.TCPAddr) (net.Conn, error) {
			c1, c2 := net.Pipe()
			serverEnd = c2
			close(dialed)
			return c1, nil
		},
	}

	out := newCollector()
	eng := New(table, wheel, factory, testConfig(), out.send)

	d, _ := codec.Decode(buildClientSYN(40001, 80, 5000))
	_ = eng.HandleOutbound(d)
	synack := out.waitFlags(t, codec.FlagSYN|codec.FlagACK, time.Second)
	<-dialed

	ackDecoded, _ := codec.Decode(codec.EncodeTCP(clientIP(), serverIP(), 40001, 80, 5001, synack.TCP.Seq+1, codec.FlagACK, 65535, 0, -1, nil, 0, 64))
	_ = eng.HandleOutbound(ackDecoded)

	payload := []byte("GET / HTTP/1.0\r\n\r\n")
	dataDecoded, _ := codec.Decode(codec.EncodeTCP(clientIP(), serverIP(), 40001, 80, 5001, synack.TCP.Seq+1, codec.FlagACK|codec.FlagPSH, 65535, 0, -1, payload, 0, 64))
	if err := eng.HandleOutbound(dataDecoded); err != nil {
		t.Fatalf("handle data: %v", err)
	}

	buf := make([]byte, len(payload))
	serverEnd.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := readFull(serverEnd, buf); err != nil {
		t.Fatalf("read from host socket: %v", err)
	}
	if string(buf) != string(payload) {
		t.Fatalf("expected payload %q, got %q", payload, buf)
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestHostDataReachesClientAsSegment(t *testing.T) {
	table := flowtable.NewTable(0, 0)
	wheel := timerwheel.New()
	wheel.Run()
	defer wheel.Stop()

	var serverEnd net.Conn
	dialed := make(chan struct{})
	factory := &mockSocketFactory{
		dial: func(ctx context.Context, raddr *net.TCPAddr) (net.Conn, error) {
			c1, c2 := net.Pipe()
			serverEnd = c2
			close(dialed)
			return c1, nil
		},
	}

	out := newCollector()
	eng := New(table, wheel, factory, testConfig(), out.send)

	d, _ := codec.Decode(buildClientSYN(40002, 80, 9000))
	_ = eng.HandleOutbound(d)
	synack := out.waitFlags(t, codec.FlagSYN|codec.FlagACK, time.Second)
	<-dialed

	ackDecoded, _ := codec.Decode(codec.EncodeTCP(clientIP(), serverIP(), 40002, 80, 9001, synack.TCP.Seq+1, codec.FlagACK, 65535, 0, -1, nil, 0, 64))
	_ = eng.HandleOutbound(ackDecoded)

	go func() {
		_, _ = serverEnd.Write([]byte("HTTP/1.0 200 OK\r\n\r\n"))
	}()

	seg := out.waitFlags(t, codec.FlagACK|codec.FlagPSH, time.Second)
	if len(seg.TCP.Payload) == 0 {
		t.Fatal("expected non-empty payload in host->client segment")
	}
}

func TestFlowCapRejectsNewSYN(t *testing.T) {
	table := flowtable.NewTable(1, 0)
	wheel := timerwheel.New()
	wheel.Run()
	defer wheel.Stop()

	factory := &mockSocketFactory{
		dial: func(ctx context.Context, raddr *net.TCPAddr) (net.Conn, error) {
			c1, _ := net.Pipe()
			return c1, nil
		},
	}
	out := newCollector()
	eng := New(table, wheel, factory, testConfig(), out.send)

	d1, _ := codec.Decode(buildClientSYN(1, 80, 1))
	if err := eng.HandleOutbound(d1); err != nil {
		t.Fatalf("first syn: %v", err)
	}

	d2, _ := codec.Decode(buildClientSYN(2, 80, 2))
	if err := eng.HandleOutbound(d2); err == nil {
		t.Fatal("expected second SYN to be rejected by flow cap")
	}
	rst := out.waitFlags(t, codec.FlagRST, time.Second)
	if rst == nil {
		t.Fatal("expected RST for rejected flow")
	}
}

func TestUnknownFlowAckGetsBareRST(t *testing.T) {
	table := flowtable.NewTable(0, 0)
	wheel := timerwheel.New()
	wheel.Run()
	defer wheel.Stop()

	out := newCollector()
	eng := New(table, wheel, &mockSocketFactory{}, testConfig(), out.send)

	pkt := codec.EncodeTCP(clientIP(), serverIP(), 41000, 80, 7000, 500, codec.FlagACK, 65535, 0, -1, nil, 0, 64)
	d, _ := codec.Decode(pkt)
	if err := eng.HandleOutbound(d); err != nil {
		t.Fatalf("handle stray ack: %v", err)
	}

	rst := out.waitFlags(t, codec.FlagRST, time.Second)
	if rst.TCP.Flags&codec.FlagACK != 0 {
		t.Fatalf("expected bare RST (no ACK), got flags 0x%02x", rst.TCP.Flags)
	}
	if rst.TCP.Seq != 500 {
		t.Fatalf("expected RST seq = segment's ack (500), got %d", rst.TCP.Seq)
	}
}

func TestUnknownFlowNonAckGetsRSTACK(t *testing.T) {
	table := flowtable.NewTable(0, 0)
	wheel := timerwheel.New()
	wheel.Run()
	defer wheel.Stop()

	out := newCollector()
	eng := New(table, wheel, &mockSocketFactory{}, testConfig(), out.send)

	payload := []byte("hi")
	pkt := codec.EncodeTCP(clientIP(), serverIP(), 41001, 80, 3000, 0, codec.FlagPSH, 65535, 0, -1, payload, 0, 64)
	d, _ := codec.Decode(pkt)
	if err := eng.HandleOutbound(d); err != nil {
		t.Fatalf("handle stray psh: %v", err)
	}

	rst := out.waitFlags(t, codec.FlagRST|codec.FlagACK, time.Second)
	if rst.TCP.Ack != 3000+uint32(len(payload)) {
		t.Fatalf("expected RST ack = seq+len (%d), got %d", 3000+uint32(len(payload)), rst.TCP.Ack)
	}
}

func TestUnknownFlowRSTSegmentElicitsNoReply(t *testing.T) {
	table := flowtable.NewTable(0, 0)
	wheel := timerwheel.New()
	wheel.Run()
	defer wheel.Stop()

	out := newCollector()
	eng := New(table, wheel, &mockSocketFactory{}, testConfig(), out.send)

	pkt := codec.EncodeTCP(clientIP(), serverIP(), 41002, 80, 1, 0, codec.FlagRST, 65535, 0, -1, nil, 0, 64)
	d, _ := codec.Decode(pkt)
	if err := eng.HandleOutbound(d); err != nil {
		t.Fatalf("handle stray rst: %v", err)
	}

	select {
	case pkt := <-out.ch:
		t.Fatalf("expected no reply to a stray RST, got %v", pkt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAdvertisedWindowUsesClientNegotiatedScale(t *testing.T) {
	table := flowtable.NewTable(0, 0)
	wheel := timerwheel.New()
	wheel.Run()
	defer wheel.Stop()

	dialed := make(chan struct{})
	factory := &mockSocketFactory{
		dial: func(ctx context.Context, raddr *net.TCPAddr) (net.Conn, error) {
			c1, _ := net.Pipe()
			close(dialed)
			return c1, nil
		},
	}
	out := newCollector()
	eng := New(table, wheel, factory, testConfig(), out.send)

	synPkt := codec.EncodeTCP(clientIP(), serverIP(), 42000, 80, 1000, 0, codec.FlagSYN, 65535, 1460, 3, nil, 0, 64)
	d, _ := codec.Decode(synPkt)
	if err := eng.HandleOutbound(d); err != nil {
		t.Fatalf("handle syn: %v", err)
	}
	synack := out.waitFlags(t, codec.FlagSYN|codec.FlagACK, time.Second)
	<-dialed

	ackPkt := codec.EncodeTCP(clientIP(), serverIP(), 42000, 80, 1001, synack.TCP.Seq+1, codec.FlagACK, 100, 0, -1, nil, 0, 64)
	ackDecoded, _ := codec.Decode(ackPkt)
	if err := eng.HandleOutbound(ackDecoded); err != nil {
		t.Fatalf("handle ack: %v", err)
	}

	rec, ok := table.Lookup(flowtable.Key{Proto: flowtable.TCP, LocalIP: clientIP(), LocalPort: 42000, RemoteIP: serverIP(), RemotePort: 80})
	if !ok {
		t.Fatal("expected flow to still be present")
	}
	rec.Mu.Lock()
	cb := rec.State.(*ControlBlock)
	adv := cb.AdvWindow
	rec.Mu.Unlock()

	if want := uint32(100) << 3; adv != want {
		t.Fatalf("expected advertised window %d (100 << client scale 3), got %d", want, adv)
	}
}

func TestTickClosesFlowPastMaxLifetimeEvenWhileActive(t *testing.T) {
	table := flowtable.NewTable(0, 0)
	wheel := timerwheel.New()
	wheel.Run()
	defer wheel.Stop()

	factory := &mockSocketFactory{
		dial: func(ctx context.Context, raddr *net.TCPAddr) (net.Conn, error) {
			c1, _ := net.Pipe()
			return c1, nil
		},
	}
	out := newCollector()
	cfg := testConfig()
	cfg.TCPMaxLifetime = time.Hour
	eng := New(table, wheel, factory, cfg, out.send)

	d, _ := codec.Decode(buildClientSYN(43000, 80, 1))
	if err := eng.HandleOutbound(d); err != nil {
		t.Fatalf("handle syn: %v", err)
	}
	out.waitFlags(t, codec.FlagSYN|codec.FlagACK, time.Second)

	key := flowtable.Key{Proto: flowtable.TCP, LocalIP: clientIP(), LocalPort: 43000, RemoteIP: serverIP(), RemotePort: 80}
	rec, ok := table.Lookup(key)
	if !ok {
		t.Fatal("expected flow record to exist")
	}

	now := time.Now()
	rec.Mu.Lock()
	cb := rec.State.(*ControlBlock)
	cb.Created = now.Add(-2 * cfg.TCPMaxLifetime)
	rec.Mu.Unlock()
	// Touch keeps the flow "active": LastActivity is fresh, well inside
	// the idle window Tick's idle-eviction scan uses, so only a scan that
	// checks every flow (not just idle ones) can catch the lifetime cap.
	table.Touch(rec, now)

	eng.Tick(now)

	if _, ok := table.Lookup(key); ok {
		t.Fatal("expected flow past tcp_max_lifetime to be closed even though it is not idle")
	}
}

func TestAckOfUnsentDataGetsRSTAndAbortsFlow(t *testing.T) {
	table := flowtable.NewTable(0, 0)
	wheel := timerwheel.New()
	wheel.Run()
	defer wheel.Stop()

	dialed := make(chan struct{})
	factory := &mockSocketFactory{
		dial: func(ctx context.Context, raddr *net.TCPAddr) (net.Conn, error) {
			c1, _ := net.Pipe()
			close(dialed)
			return c1, nil
		},
	}
	out := newCollector()
	eng := New(table, wheel, factory, testConfig(), out.send)

	d, _ := codec.Decode(buildClientSYN(45000, 80, 6000))
	_ = eng.HandleOutbound(d)
	synack := out.waitFlags(t, codec.FlagSYN|codec.FlagACK, time.Second)
	<-dialed

	ackDecoded, _ := codec.Decode(codec.EncodeTCP(clientIP(), serverIP(), 45000, 80, 6001, synack.TCP.Seq+1, codec.FlagACK, 65535, 0, -1, nil, 0, 64))
	_ = eng.HandleOutbound(ackDecoded)

	key := flowtable.Key{Proto: flowtable.TCP, LocalIP: clientIP(), LocalPort: 45000, RemoteIP: serverIP(), RemotePort: 80}
	rec, ok := table.Lookup(key)
	if !ok {
		t.Fatal("expected flow record to exist")
	}
	rec.Mu.Lock()
	cb := rec.State.(*ControlBlock)
	badAck := cb.ServerNext + 5000
	rec.Mu.Unlock()

	// Ack a sequence number this engine never sent.
	strayAck, _ := codec.Decode(codec.EncodeTCP(clientIP(), serverIP(), 45000, 80, 6001, badAck, codec.FlagACK, 65535, 0, -1, nil, 0, 64))
	if err := eng.HandleOutbound(strayAck); err != nil {
		t.Fatalf("handle stray ack: %v", err)
	}

	rst := out.waitFlags(t, codec.FlagRST, time.Second)
	if rst.TCP.Flags&codec.FlagACK != 0 {
		t.Fatalf("expected bare RST (no ACK), got flags 0x%02x", rst.TCP.Flags)
	}
	if rst.TCP.Seq != badAck {
		t.Fatalf("expected RST seq = segment's ack (%d), got %d", badAck, rst.TCP.Seq)
	}
	if _, ok := table.Lookup(key); ok {
		t.Fatal("expected flow to be removed after ack-of-unsent-data RST")
	}
}

func TestRetransmitCapExceededSendsRSTBeforeClosing(t *testing.T) {
	table := flowtable.NewTable(0, 0)
	wheel := timerwheel.New()
	wheel.Run()
	defer wheel.Stop()

	var serverEnd net.Conn
	dialed := make(chan struct{})
	factory := &mockSocketFactory{
		dial: func(ctx context.Context, raddr *net.TCPAddr) (net.Conn, error) {
			c1, c2 := net.Pipe()
			serverEnd = c2
			close(dialed)
			return c1, nil
		},
	}
	out := newCollector()
	eng := New(table, wheel, factory, testConfig(), out.send)

	d, _ := codec.Decode(buildClientSYN(45001, 80, 8000))
	_ = eng.HandleOutbound(d)
	synack := out.waitFlags(t, codec.FlagSYN|codec.FlagACK, time.Second)
	<-dialed

	ackDecoded, _ := codec.Decode(codec.EncodeTCP(clientIP(), serverIP(), 45001, 80, 8001, synack.TCP.Seq+1, codec.FlagACK, 65535, 0, -1, nil, 0, 64))
	_ = eng.HandleOutbound(ackDecoded)

	go func() {
		_, _ = serverEnd.Write([]byte("data queued for the client"))
	}()
	out.waitFlags(t, codec.FlagACK|codec.FlagPSH, time.Second)

	key := flowtable.Key{Proto: flowtable.TCP, LocalIP: clientIP(), LocalPort: 45001, RemoteIP: serverIP(), RemotePort: 80}
	rec, ok := table.Lookup(key)
	if !ok {
		t.Fatal("expected flow record to exist")
	}

	rec.Mu.Lock()
	cb := rec.State.(*ControlBlock)
	if len(cb.TxQueue) == 0 {
		rec.Mu.Unlock()
		t.Fatal("expected an unacked segment on the retransmit queue")
	}
	cb.TxQueue[0].retries = maxRetransmits
	wantSeq := cb.ServerNext
	eng.onRetransmitTimeout(rec, cb)
	rec.Mu.Unlock()

	rst := out.waitFlags(t, codec.FlagRST, time.Second)
	if rst.TCP.Seq != wantSeq {
		t.Fatalf("expected RST seq = ServerNext (%d), got %d", wantSeq, rst.TCP.Seq)
	}
	if _, ok := table.Lookup(key); ok {
		t.Fatal("expected flow to be removed after exceeding the retransmit cap")
	}
}

func TestPersistTimerBacksOffExponentially(t *testing.T) {
	table := flowtable.NewTable(0, 0)
	wheel := timerwheel.New()
	wheel.Run()
	defer wheel.Stop()

	var serverEnd net.Conn
	dialed := make(chan struct{})
	factory := &mockSocketFactory{
		dial: func(ctx context.Context, raddr *net.TCPAddr) (net.Conn, error) {
			c1, c2 := net.Pipe()
			serverEnd = c2
			close(dialed)
			return c1, nil
		},
	}

	out := newCollector()
	eng := New(table, wheel, factory, testConfig(), out.send)

	d, _ := codec.Decode(buildClientSYN(44000, 80, 2000))
	_ = eng.HandleOutbound(d)
	synack := out.waitFlags(t, codec.FlagSYN|codec.FlagACK, time.Second)
	<-dialed

	// A zero receive window means any data the host writes immediately
	// drives the flow into persist mode.
	ackDecoded, _ := codec.Decode(codec.EncodeTCP(clientIP(), serverIP(), 44000, 80, 2001, synack.TCP.Seq+1, codec.FlagACK, 0, 0, -1, nil, 0, 64))
	_ = eng.HandleOutbound(ackDecoded)

	go func() {
		_, _ = serverEnd.Write([]byte("x"))
	}()

	first := out.waitFlags(t, codec.FlagACK, time.Second)
	if len(first.TCP.Payload) != 0 {
		t.Fatalf("expected empty persist probe, got %d bytes of payload", len(first.TCP.Payload))
	}

	key := flowtable.Key{Proto: flowtable.TCP, LocalIP: clientIP(), LocalPort: 44000, RemoteIP: serverIP(), RemotePort: 80}
	rec, ok := table.Lookup(key)
	if !ok {
		t.Fatal("expected flow record to exist")
	}
	rec.Mu.Lock()
	cb := rec.State.(*ControlBlock)
	firstBackoff := cb.PersistBackoff
	rec.Mu.Unlock()

	if firstBackoff != minRTO*2 {
		t.Fatalf("expected persist backoff to double to %s after first probe, got %s", minRTO*2, firstBackoff)
	}

	out.waitFlags(t, codec.FlagACK, time.Second)

	rec.Mu.Lock()
	secondBackoff := cb.PersistBackoff
	rec.Mu.Unlock()

	if secondBackoff != minRTO*4 {
		t.Fatalf("expected persist backoff to double again to %s after second probe, got %s", minRTO*4, secondBackoff)
	}
}
