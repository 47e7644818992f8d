// Package packet implements the core network stack plumbing (§4.4): a
// packet pool, an interface registry, and a protocol dispatch table.
// Pool buffers are ordinary slices; they are not carved from
// frame-allocator memory.
//
// Grounded on rexinscfu/rexus's net/net.c/.h: the same MaxPacketSize
// (1518, Ethernet) and MinPacketSize (64) limits, the same interface
// operation set (Init/Start/Stop/Send/Receive/Cleanup), and the same
// linear-scan registry and dispatch-by-tag approach — restructured as
// a Go interface (Device) and map-backed dispatch table instead of a
// C struct of function pointers.
package packet

import (
	"context"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/rexinscfu/rexus/kernerr"
)

const (
	// MaxSize is the largest packet the pool will allocate, matching
	// the original's Ethernet-frame ceiling.
	MaxSize = 1518
	// MinSize is the smallest meaningful frame.
	MinSize = 64
)

// Protocol tags a packet's payload type for dispatch.
type Protocol int

const (
	ProtoNone Protocol = iota
	ProtoIPv4
	ProtoIPv6
	ProtoARP
	ProtoICMP
	ProtoTCP
	ProtoUDP
)

func (p Protocol) String() string {
	switch p {
	case ProtoIPv4:
		return "ipv4"
	case ProtoIPv6:
		return "ipv6"
	case ProtoARP:
		return "arp"
	case ProtoICMP:
		return "icmp"
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return "none"
	}
}

// Addr is a 4-byte link/network address pair carried on a packet handle
// for convenience — the original carries only a raw data pointer and
// leaves addressing to each layer's own header; this build additionally
// threads {src, dst} through Packet so stack layers can forward a
// decision without re-parsing a header they've already consumed.
type Addr [4]byte

// Packet is a pool-owned buffer plus its stack metadata (§3): exactly
// one party owns a Packet at any instant — the driver, a stack layer,
// or the caller that allocated it.
type Packet struct {
	Data     []byte
	Protocol Protocol
	Priority uint8
	Src, Dst Addr

	// Private is reserved for driver/protocol bookkeeping a layer may
	// want to stash and retrieve later (matching the original's
	// private_data field) — e.g. the owning reassembly key.
	Private any
}

// Pool hands out Packets with length-checked buffers. It does not track
// frame-level provenance; in this hosted build buffers are ordinary
// slices rather than frames carved from a DMA region, since there is no
// physical memory to carve from outside the simulated pmm/vmm layers.
type Pool struct {
	log logr.Logger
}

// NewPool returns a Pool.
func NewPool(log logr.Logger) *Pool {
	return &Pool{log: log}
}

// Alloc returns a Packet with a zeroed buffer of size bytes. Rejects
// size > MaxSize (§4.4).
func (p *Pool) Alloc(size int) (*Packet, *kernerr.Error) {
	if size > MaxSize {
		return nil, kernerr.New("packet", kernerr.InvalidArgument, "size %d exceeds MaxSize %d", size, MaxSize)
	}
	return &Packet{Data: make([]byte, size)}, nil
}

// Free releases pkt's buffer. In a hosted build this simply drops the
// reference for the garbage collector; the call is kept so ownership-
// transfer call sites read the same as the original's alloc/free pairs.
func (p *Pool) Free(pkt *Packet) {
	if pkt != nil {
		pkt.Data = nil
	}
}

// Stats mirrors the original's per-interface counters (§4.4).
type Stats struct {
	RXPackets, TXPackets  uint64
	RXBytes, TXBytes      uint64
	RXErrors, TXErrors    uint64
	RXDropped, TXDropped  uint64
	Collisions            uint64
}

// Device is the operation set a network interface driver must
// implement (§4.4, §4.5): the link-layer equivalent of the hal
// contract, kept separate from it because devices are registered and
// looked up at the stack layer rather than wired in at boot.
type Device interface {
	Name() string
	MTU() uint32
	MAC() [6]byte

	Init() *kernerr.Error
	Start() *kernerr.Error
	Stop()
	Cleanup()

	Send(pkt *Packet) *kernerr.Error
	// Receive returns the next queued packet, or nil if none is
	// available — polled by Registry.ProcessRX, never blocking.
	Receive() *Packet

	Stats() Stats
}

// entry pairs a registered device with its index for lookup_by_index.
type entry struct {
	dev   Device
	index uint32
}

// Registry is the interface list plus protocol dispatch table (§4.4).
type Registry struct {
	log      logr.Logger
	pool     *Pool
	devices  []entry
	nextIdx  uint32
	handlers map[Protocol]func(dev Device, pkt *Packet)
}

// NewRegistry returns an empty Registry backed by pool.
func NewRegistry(pool *Pool, log logr.Logger) *Registry {
	return &Registry{
		log:      log,
		pool:     pool,
		handlers: make(map[Protocol]func(dev Device, pkt *Packet)),
	}
}

// Register calls dev.Init() then appends it to the registry.
func (r *Registry) Register(dev Device) *kernerr.Error {
	if err := dev.Init(); err != nil {
		return err
	}
	r.devices = append(r.devices, entry{dev: dev, index: r.nextIdx})
	r.nextIdx++
	r.log.V(1).Info("interface registered", "name", dev.Name(), "mtu", dev.MTU())
	return nil
}

// Deregister unlinks dev and calls its Cleanup.
func (r *Registry) Deregister(dev Device) {
	for i, e := range r.devices {
		if e.dev == dev {
			r.devices = append(r.devices[:i], r.devices[i+1:]...)
			dev.Cleanup()
			return
		}
	}
}

// LookupByName performs a linear search by name.
func (r *Registry) LookupByName(name string) Device {
	for _, e := range r.devices {
		if e.dev.Name() == name {
			return e.dev
		}
	}
	return nil
}

// LookupByIndex performs a linear search by registration index.
func (r *Registry) LookupByIndex(index uint32) Device {
	for _, e := range r.devices {
		if e.index == index {
			return e.dev
		}
	}
	return nil
}

// Count returns the number of registered interfaces.
func (r *Registry) Count() int { return len(r.devices) }

// RegisterProtocolHandler installs the receive callback for proto,
// replacing any previous registration — the fixed-size dispatch table
// of the original, backed here by a map since Go interfaces make a
// true fixed array of function pointers awkward without losing type
// safety.
func (r *Registry) RegisterProtocolHandler(proto Protocol, handler func(dev Device, pkt *Packet)) {
	r.handlers[proto] = handler
}

// UnregisterProtocolHandler removes proto's handler, if any.
func (r *Registry) UnregisterProtocolHandler(proto Protocol) {
	delete(r.handlers, proto)
}

type rxResult struct {
	dev Device
	pkt *Packet
}

// ProcessRX polls every registered interface's Receive once, fanning
// the polls out across an errgroup so a slow or blocking driver never
// holds up the others, then dispatches whatever arrived to the
// registered protocol handler in registration order — dropping a
// packet if no handler is registered (§4.4). Dispatch happens after
// the poll barrier so handlers never run concurrently with each other.
func (r *Registry) ProcessRX(ctx context.Context) error {
	results := make([]*rxResult, len(r.devices))
	g, _ := errgroup.WithContext(ctx)

	for i, e := range r.devices {
		i, e := i, e
		g.Go(func() error {
			if pkt := e.dev.Receive(); pkt != nil {
				results[i] = &rxResult{dev: e.dev, pkt: pkt}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, res := range results {
		if res == nil {
			continue
		}
		handler, ok := r.handlers[res.pkt.Protocol]
		if !ok {
			r.pool.Free(res.pkt)
			continue
		}
		handler(res.dev, res.pkt)
	}
	return nil
}
