package link

import (
	"github.com/rexinscfu/rexus/kernerr"
	"github.com/rexinscfu/rexus/net/packet"
)

// Loopback is a software-only packet.Device: anything sent is queued
// straight to its own receive side. It exists to exercise the link →
// IPv4 → UDP/TCP dispatch chain end to end without a real NIC, the same
// role a loopback interface plays in a hosted networking stack.
type Loopback struct {
	name  string
	mtu   uint32
	mac   [6]byte
	queue []*packet.Packet
	stats packet.Stats
}

// NewLoopback returns a Loopback interface with the given MTU.
func NewLoopback(name string, mtu uint32) *Loopback {
	return &Loopback{name: name, mtu: mtu}
}

func (l *Loopback) Name() string        { return l.name }
func (l *Loopback) MTU() uint32         { return l.mtu }
func (l *Loopback) MAC() [6]byte        { return l.mac }
func (l *Loopback) Init() *kernerr.Error  { return nil }
func (l *Loopback) Start() *kernerr.Error { return nil }
func (l *Loopback) Stop()                {}
func (l *Loopback) Cleanup()             { l.queue = nil }
func (l *Loopback) Stats() packet.Stats  { return l.stats }

func (l *Loopback) Send(pkt *packet.Packet) *kernerr.Error {
	if uint32(len(pkt.Data)) > l.mtu+packet.MinSize {
		l.stats.TXDropped++
		return kernerr.New("link", kernerr.InvalidArgument, "%s: frame exceeds mtu", l.name)
	}
	cp := &packet.Packet{Data: append([]byte(nil), pkt.Data...), Protocol: pkt.Protocol, Src: pkt.Src, Dst: pkt.Dst}
	l.queue = append(l.queue, cp)
	l.stats.TXPackets++
	l.stats.TXBytes += uint64(len(pkt.Data))
	return nil
}

func (l *Loopback) Receive() *packet.Packet {
	if len(l.queue) == 0 {
		return nil
	}
	pkt := l.queue[0]
	l.queue = l.queue[1:]
	l.stats.RXPackets++
	l.stats.RXBytes += uint64(len(pkt.Data))
	return pkt
}
