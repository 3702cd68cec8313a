package relay

import (
	"context"
	"net"
	"testing"
	"time"

	"tunrelay/pkg/codec"
	"tunrelay/pkg/core"
	"tunrelay/pkg/tun"
)

func testConfig() core.RelayConfig {
	cfg := core.DefaultRelayConfig()
	cfg.UDPIdleTimeout = time.Hour
	return cfg
}

func buildClientDatagram(srcPort, dstPort uint16, payload []byte) []byte {
	return codec.EncodeUDP([4]byte{10, 0, 0, 5}, [4]byte{8, 8, 8, 8}, srcPort, dstPort, payload, 0, 64)
}

func waitForWrittenPacket(t *testing.T, dev *tun.MockTUNDevice, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if pkts := dev.GetWrittenPackets(); len(pkts) > 0 {
			return pkts[0]
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a packet written back to the TUN device")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestRelayRoutesUDPRoundTrip(t *testing.T) {
	mockDev := tun.NewMockTUNDevice("tun-test", 1500).(*tun.MockTUNDevice)

	c1, c2 := net.Pipe()
	factory := &mockSocketFactory{
		dialDatagram: func(ctx context.Context, raddr *net.UDPAddr) (net.Conn, error) {
			return c1, nil
		},
	}

	r := New(testConfig(), mockDev, factory)
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	go func() {
		buf := make([]byte, 512)
		n, err := c2.Read(buf)
		if err != nil {
			return
		}
		if string(buf[:n]) != "hello" {
			t.Errorf("host received %q, want %q", buf[:n], "hello")
		}
		c2.Write([]byte("world"))
	}()

	if err := mockDev.SimulatePacketReceived(buildClientDatagram(9000, 53, []byte("hello"))); err != nil {
		t.Fatalf("simulate: %v", err)
	}

	reply := waitForWrittenPacket(t, mockDev, time.Second)
	d, err := codec.Decode(reply)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if d.UDP == nil || string(d.UDP.Payload) != "world" {
		t.Fatalf("unexpected reply: %+v", d)
	}

	metrics := r.Metrics()
	if metrics.PacketsRouted == 0 {
		t.Fatal("expected at least one routed packet in metrics")
	}
	if metrics.UDP.ActiveFlows != 1 {
		t.Fatalf("expected 1 active UDP flow, got %d", metrics.UDP.ActiveFlows)
	}
}

func TestRelayDropsMalformedPacket(t *testing.T) {
	mockDev := tun.NewMockTUNDevice("tun-test", 1500).(*tun.MockTUNDevice)
	factory := &mockSocketFactory{}

	r := New(testConfig(), mockDev, factory)
	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	if err := mockDev.SimulatePacketReceived([]byte{0x01, 0x02}); err != nil {
		t.Fatalf("simulate: %v", err)
	}

	deadline := time.After(200 * time.Millisecond)
	for {
		if r.Metrics().PacketsDropped > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("expected malformed packet to be counted as dropped")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func TestRelayRejectsDoubleStart(t *testing.T) {
	mockDev := tun.NewMockTUNDevice("tun-test", 1500).(*tun.MockTUNDevice)
	r := New(testConfig(), mockDev, &mockSocketFactory{})

	if err := r.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	if err := r.Start(); err == nil {
		t.Fatal("expected error starting an already-running relay")
	}
}
