package relay

import (
	"fmt"
	"sync"
	"sync/atomic"

	"tunrelay/pkg/codec"
	"tunrelay/pkg/core"
	"tunrelay/pkg/logging"
)

// defaultDispatchWorkers is how many goroutines decode and route packets
// pulled off the TUN device concurrently.
const defaultDispatchWorkers = 4

// dispatchQueueCap bounds how many TUN reads can be queued for dispatch
// before ProcessPacket starts dropping.
const dispatchQueueCap = 1000

// dispatcher is the relay's core.PacketProcessor: it decouples the TUN
// device's read loop from protocol handling with a small worker pool,
// generalizing pkg/socket/processor.go's SocketPacketProcessor from a
// single downstream socket writer to a protocol-dispatching relay.
type dispatcher struct {
	route func(*codec.Decoded) error

	workerCount int
	packetCh    chan core.Packet
	stopCh      chan struct{}
	wg          sync.WaitGroup

	packetsProcessed uint64
	packetsDropped   uint64
	queueFullDrops   uint64
}

func newDispatcher(workerCount int, route func(*codec.Decoded) error) *dispatcher {
	if workerCount <= 0 {
		workerCount = defaultDispatchWorkers
	}
	return &dispatcher{
		route:       route,
		workerCount: workerCount,
		packetCh:    make(chan core.Packet, dispatchQueueCap),
		stopCh:      make(chan struct{}),
	}
}

func (d *dispatcher) start() {
	d.wg.Add(d.workerCount)
	for i := 0; i < d.workerCount; i++ {
		go d.worker(i)
	}
}

func (d *dispatcher) stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// ProcessPacket implements core.PacketProcessor.
func (d *dispatcher) ProcessPacket(packet core.Packet) error {
	select {
	case d.packetCh <- packet:
		return nil
	default:
		core.ReleasePacket(packet)
		atomic.AddUint64(&d.packetsDropped, 1)
		atomic.AddUint64(&d.queueFullDrops, 1)
		return fmt.Errorf("relay: dispatch queue full, packet dropped")
	}
}

func (d *dispatcher) worker(id int) {
	defer d.wg.Done()
	logging.Debugf("relay: dispatch worker %d started", id)
	for {
		select {
		case <-d.stopCh:
			return
		case packet, ok := <-d.packetCh:
			if !ok {
				return
			}
			d.handle(packet)
		}
	}
}

func (d *dispatcher) handle(packet core.Packet) {
	defer core.ReleasePacket(packet)

	decoded, err := codec.Decode(packet.Data())
	if err != nil {
		atomic.AddUint64(&d.packetsDropped, 1)
		logging.Debugf("relay: dropping packet: %v", err)
		return
	}
	if err := d.route(decoded); err != nil {
		atomic.AddUint64(&d.packetsDropped, 1)
		return
	}
	atomic.AddUint64(&d.packetsProcessed, 1)
}

// metrics returns a snapshot of the dispatcher's own counters.
func (d *dispatcher) metrics() map[string]uint64 {
	return map[string]uint64{
		"packetsProcessed": atomic.LoadUint64(&d.packetsProcessed),
		"packetsDropped":   atomic.LoadUint64(&d.packetsDropped),
		"queueFullDrops":   atomic.LoadUint64(&d.queueFullDrops),
	}
}
