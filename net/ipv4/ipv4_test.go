package ipv4

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/go-logr/logr"

	"github.com/rexinscfu/rexus/kernerr"
	"github.com/rexinscfu/rexus/net/packet"
)

// dummyDevice is a minimal packet.Device for routing/forwarding tests.
type dummyDevice struct {
	name string
	mtu  uint32
	sent [][]byte
}

func (d *dummyDevice) Name() string         { return d.name }
func (d *dummyDevice) MTU() uint32          { return d.mtu }
func (d *dummyDevice) MAC() [6]byte         { return [6]byte{} }
func (d *dummyDevice) Init() *kernerr.Error  { return nil }
func (d *dummyDevice) Start() *kernerr.Error { return nil }
func (d *dummyDevice) Stop()                 {}
func (d *dummyDevice) Cleanup()              {}
func (d *dummyDevice) Stats() packet.Stats   { return packet.Stats{} }
func (d *dummyDevice) Receive() *packet.Packet { return nil }

func (d *dummyDevice) Send(pkt *packet.Packet) *kernerr.Error {
	d.sent = append(d.sent, append([]byte(nil), pkt.Data...))
	return nil
}

func addr(a, b, c, d byte) Addr { return Addr{a, b, c, d} }

func TestHeaderChecksumRoundTrip(t *testing.T) {
	h := Header{IHL: IHLMin, TotalLength: HeaderLen, ID: 7, TTL: 64, Protocol: ProtoUDP, Src: addr(10, 0, 0, 1), Dst: addr(10, 0, 0, 2)}
	buf := h.Marshal()
	buf[10], buf[11] = 0, 0
	csum := Checksum(buf)
	binary.BigEndian.PutUint16(buf[10:12], csum)

	verify := append([]byte(nil), buf...)
	if Checksum(verify) != 0 {
		t.Errorf("checksum of a valid header with checksum field included should fold to 0, got %x", Checksum(verify))
	}

	parsed, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if parsed.ID != 7 || parsed.TTL != 64 || parsed.Protocol != ProtoUDP {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
}

func TestFindRouteLongestPrefixWins(t *testing.T) {
	s := NewStack(nil, logr.Discard())
	ifaceDefault := &dummyDevice{name: "eth0", mtu: 1500}
	ifaceSpecific := &dummyDevice{name: "eth1", mtu: 1500}

	s.AddRoute(addr(0, 0, 0, 0), addr(0, 0, 0, 0), addr(10, 0, 0, 1), ifaceDefault, 10)
	s.AddRoute(addr(192, 168, 1, 0), addr(255, 255, 255, 0), addr(0, 0, 0, 0), ifaceSpecific, 5)

	route, ok := s.FindRoute(addr(192, 168, 1, 42))
	if !ok {
		t.Fatal("expected a route")
	}
	if route.Iface != packet.Device(ifaceSpecific) {
		t.Errorf("expected the longest-prefix route to win, got iface %v", route.Iface)
	}

	route, ok = s.FindRoute(addr(8, 8, 8, 8))
	if !ok || route.Iface != packet.Device(ifaceDefault) {
		t.Errorf("expected default route fallback, got %+v", route)
	}
}

func TestFindRouteTieBreaksOnMetric(t *testing.T) {
	s := NewStack(nil, logr.Discard())
	lowMetric := &dummyDevice{name: "a", mtu: 1500}
	highMetric := &dummyDevice{name: "b", mtu: 1500}

	s.AddRoute(addr(10, 0, 0, 0), addr(255, 0, 0, 0), addr(0, 0, 0, 0), highMetric, 20)
	s.AddRoute(addr(10, 0, 0, 0), addr(255, 0, 0, 0), addr(0, 0, 0, 0), lowMetric, 1)

	route, ok := s.FindRoute(addr(10, 1, 2, 3))
	if !ok || route.Iface != packet.Device(lowMetric) {
		t.Errorf("expected the lower-metric route among equal-prefix matches, got %+v", route)
	}
}

func TestAddRouteKeepsMetricOrder(t *testing.T) {
	s := NewStack(nil, logr.Discard())
	d := &dummyDevice{name: "eth0", mtu: 1500}
	s.AddRoute(addr(1, 0, 0, 0), addr(255, 0, 0, 0), addr(0, 0, 0, 0), d, 30)
	s.AddRoute(addr(2, 0, 0, 0), addr(255, 0, 0, 0), addr(0, 0, 0, 0), d, 10)
	s.AddRoute(addr(3, 0, 0, 0), addr(255, 0, 0, 0), addr(0, 0, 0, 0), d, 20)

	var metrics []uint32
	for _, r := range s.routes {
		metrics = append(metrics, r.Metric)
	}
	for i := 1; i < len(metrics); i++ {
		if metrics[i] < metrics[i-1] {
			t.Errorf("routes not sorted by metric: %v", metrics)
		}
	}
}

// buildTestDatagram returns a checksummed IPv4 datagram carrying a
// payload of the given length, with each byte set to its low-order
// index so reassembly order bugs show up as content mismatches, not
// just length mismatches.
func buildTestDatagram(id uint16, payloadLen int) (datagram, payload []byte) {
	h := Header{IHL: IHLMin, ID: id, TTL: 64, Protocol: ProtoUDP, Src: addr(10, 0, 0, 1), Dst: addr(10, 0, 0, 2)}
	payload = make([]byte, payloadLen)
	for i := range payload {
		payload[i] = byte(i)
	}
	h.TotalLength = uint16(HeaderLen + len(payload))
	datagram = append(h.Marshal(), payload...)
	binary.BigEndian.PutUint16(datagram[10:12], Checksum(datagram[:HeaderLen]))
	return datagram, payload
}

func TestFragmentAndReassemble(t *testing.T) {
	// Testable Property #6 requires the fragment/reassemble round trip
	// to hold at every MTU a real link layer might report.
	for _, mtu := range []int{576, 1500, 9000} {
		t.Run(fmt.Sprintf("mtu=%d", mtu), func(t *testing.T) {
			datagram, payload := buildTestDatagram(99, 20000)

			fragments, err := Fragment(datagram, mtu)
			if err != nil {
				t.Fatalf("Fragment: %v", err)
			}
			if len(fragments) < 2 {
				t.Fatalf("expected multiple fragments at mtu=%d, got %d", mtu, len(fragments))
			}

			s := NewStack(nil, logr.Discard())
			var (
				reassembled []byte
				complete    bool
			)
			for _, frag := range fragments {
				fh, ferr := ParseHeader(frag)
				if ferr != nil {
					t.Fatalf("ParseHeader fragment: %v", ferr)
				}
				reassembled, complete = s.reassemble(fh, frag)
			}
			if !complete {
				t.Fatal("expected reassembly to complete once the last fragment arrived")
			}
			if len(reassembled) != len(datagram) {
				t.Fatalf("reassembled length = %d, want %d", len(reassembled), len(datagram))
			}
			if string(reassembled[HeaderLen:]) != string(payload) {
				t.Error("reassembled payload does not match the original")
			}
		})
	}
}

// TestReassembleOutOfOrderArrival pins the order-independence half of
// Testable Property #6: the tail fragment lands before the head, and
// the result still matches a delivery that arrived in order.
func TestReassembleOutOfOrderArrival(t *testing.T) {
	datagram, payload := buildTestDatagram(7, 3000)

	fragments, err := Fragment(datagram, 1000)
	if err != nil {
		t.Fatalf("Fragment: %v", err)
	}
	if len(fragments) < 3 {
		t.Fatalf("expected at least 3 fragments, got %d", len(fragments))
	}

	reordered := make([][]byte, len(fragments))
	copy(reordered, fragments)
	for i, j := 0, len(reordered)-1; i < j; i, j = i+1, j-1 {
		reordered[i], reordered[j] = reordered[j], reordered[i]
	}

	s := NewStack(nil, logr.Discard())
	var (
		reassembled []byte
		complete    bool
	)
	for _, frag := range reordered {
		fh, ferr := ParseHeader(frag)
		if ferr != nil {
			t.Fatalf("ParseHeader fragment: %v", ferr)
		}
		reassembled, complete = s.reassemble(fh, frag)
	}
	if !complete {
		t.Fatal("expected reassembly to complete once the head fragment arrived last")
	}
	if string(reassembled[HeaderLen:]) != string(payload) {
		t.Error("out-of-order reassembly does not match the original payload")
	}
}

func TestFragmentRejectsDontFragment(t *testing.T) {
	h := Header{IHL: IHLMin, TotalLength: HeaderLen + 2000, FlagsOffset: flagDontFragment, TTL: 64}
	datagram := append(h.Marshal(), make([]byte, 2000)...)
	if _, err := Fragment(datagram, 1000); err == nil {
		t.Fatal("expected an error fragmenting a DF datagram")
	}
}

func TestForwardDecrementsTTLAndDropsAtExpiry(t *testing.T) {
	s := NewStack(nil, logr.Discard())
	d := &dummyDevice{name: "eth0", mtu: 1500}
	s.AddRoute(addr(0, 0, 0, 0), addr(0, 0, 0, 0), addr(0, 0, 0, 0), d, 1)

	h := Header{IHL: IHLMin, TotalLength: HeaderLen, TTL: 5, Dst: addr(8, 8, 8, 8)}
	datagram := h.Marshal()
	if err := s.Forward(datagram); err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if len(d.sent) != 1 {
		t.Fatalf("expected one forwarded datagram, got %d", len(d.sent))
	}
	fh, _ := ParseHeader(d.sent[0])
	if fh.TTL != 4 {
		t.Errorf("TTL = %d, want 4", fh.TTL)
	}

	h.TTL = 1
	datagram = h.Marshal()
	if err := s.Forward(datagram); err == nil {
		t.Fatal("expected ttl-expired datagram to be dropped")
	}
}

func TestReceiveDropsBadChecksum(t *testing.T) {
	s := NewStack(nil, logr.Discard())
	h := Header{IHL: IHLMin, TotalLength: HeaderLen, TTL: 64, Checksum: 0xDEAD}
	pkt := &packet.Packet{Data: h.Marshal()}
	if _, _, ok := s.Receive(pkt); ok {
		t.Fatal("expected a bad-checksum datagram to be dropped")
	}
}
