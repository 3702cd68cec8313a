// Package relay wires the packet codec, flow table, TCP/UDP engines and a
// TUN device together into the top-level core.Relay: it owns nothing about
// the host network or the platform TUN device itself, only the dispatch
// loop and per-protocol bridges that sit between them.
package relay

import (
	"fmt"
	"sync"
	"time"

	"tunrelay/pkg/codec"
	"tunrelay/pkg/core"
	"tunrelay/pkg/flowtable"
	"tunrelay/pkg/logging"
	"tunrelay/pkg/tcpengine"
	"tunrelay/pkg/timerwheel"
	"tunrelay/pkg/udpengine"
)

// tickInterval is how often the relay's housekeeping loop enforces
// per-engine timeouts that aren't already covered by the timer wheel
// (TCP's tcp_max_lifetime cap, UDP's idle eviction).
const tickInterval = 5 * time.Second

// Relay is the top-level orchestrator: it reads packets from a TUN device,
// decodes them, dispatches by protocol to the TCP or UDP engine, and
// writes each engine's replies back to the TUN device. It implements
// core.Relay.
type Relay struct {
	cfg     core.RelayConfig
	tun     core.TUNDevice
	sockets core.SocketFactory

	table *flowtable.Table
	wheel *timerwheel.Wheel
	tcp   *tcpengine.Engine
	udp   *udpengine.Engine
	disp  *dispatcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ core.Relay = (*Relay)(nil)

// New constructs a Relay bound to the given TUN device and host-socket
// factory. Both collaborators are supplied by the embedder: the relay
// itself never opens a kernel TUN device or a raw host socket.
func New(cfg core.RelayConfig, tun core.TUNDevice, sockets core.SocketFactory) *Relay {
	table := flowtable.NewTable(cfg.TCPMaxFlows, cfg.UDPMaxFlows)
	wheel := timerwheel.New()

	r := &Relay{
		cfg:     cfg,
		tun:     tun,
		sockets: sockets,
		table:   table,
		wheel:   wheel,
		stopCh:  make(chan struct{}),
	}
	r.tcp = tcpengine.New(table, wheel, sockets, cfg, r.writeToTUN)
	r.udp = udpengine.New(table, sockets, cfg, r.writeToTUN)
	r.disp = newDispatcher(defaultDispatchWorkers, r.route)
	return r
}

// Start starts the timer wheel, the TUN device, and the housekeeping loop.
func (r *Relay) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("relay already running")
	}

	r.wheel.Run()
	r.disp.start()
	r.tun.SetPacketProcessor(r.disp)
	if err := r.tun.Start(); err != nil {
		r.disp.stop()
		r.wheel.Stop()
		return fmt.Errorf("failed to start TUN device: %w", err)
	}

	r.running = true
	r.wg.Add(1)
	go r.housekeep()

	logging.Infof("relay: started on %s (mtu=%d, outbound_interface=%q)", r.tun.Name(), r.cfg.MTU, r.cfg.OutboundInterface)
	return nil
}

// Stop stops the TUN device, the housekeeping loop, and the timer wheel.
func (r *Relay) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}

	close(r.stopCh)
	r.wg.Wait()

	err := r.tun.Stop()
	r.disp.stop()
	r.wheel.Stop()
	r.running = false

	logging.Infof("relay: stopped")
	return err
}

// route dispatches one decoded packet to the engine for its protocol. It is
// the dispatcher's route callback, invoked from a dispatch worker goroutine.
func (r *Relay) route(d *codec.Decoded) error {
	switch d.IP.Protocol {
	case codec.ProtoTCP:
		return r.tcp.HandleOutbound(d)
	case codec.ProtoUDP:
		return r.udp.HandleOutbound(d)
	default:
		return fmt.Errorf("relay: unsupported protocol %d", d.IP.Protocol)
	}
}

// writeToTUN is passed to both engines as their toTUN callback.
func (r *Relay) writeToTUN(pkt []byte) error {
	return r.tun.WritePacket(core.NewPooledPacket(pkt, codec.Put))
}

// housekeep periodically ticks both engines to enforce their timeouts.
func (r *Relay) housekeep() {
	defer r.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case now := <-ticker.C:
			r.tcp.Tick(now)
			r.udp.Tick(now)
		}
	}
}

// Metrics returns aggregated metrics across the TUN device and both
// engines.
func (r *Relay) Metrics() core.RelayMetrics {
	dm := r.disp.metrics()
	return core.RelayMetrics{
		TUN:            r.tun.Metrics(),
		TCP:            r.tcp.Metrics(),
		UDP:            r.udp.Metrics(),
		PacketsRouted:  dm["packetsProcessed"],
		PacketsDropped: dm["packetsDropped"],
	}
}
