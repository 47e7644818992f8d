// Package ipv4 implements header parsing/building, the one's-complement
// checksum, fragmentation/reassembly, longest-prefix-match routing, and
// forwarding (§4.6).
//
// Grounded on rexinscfu/rexus's net/ipv4.c/.h: the same header layout
// and constants (version 4, minimum IHL 5, default TTL 64), the same
// checksum algorithm (16-bit one's-complement sum, folded and
// complemented), the same fragment/reassembly bookkeeping (fragment
// offset in 8-byte units, a per-datagram received bitmap keyed by
// (source, destination, protocol, identification)), and the same
// routing table shape (a metric-sorted list, linear scan filtered by
// mask match).
package ipv4

import (
	"encoding/binary"
	"math/bits"
	"sort"

	"github.com/go-logr/logr"

	"github.com/rexinscfu/rexus/kernerr"
	"github.com/rexinscfu/rexus/net/packet"
)

const (
	Version       = 4
	IHLMin        = 5
	TTLDefault    = 64
	HeaderLen     = 20
	HeaderMaxLen  = 60
	MaxDatagram   = 65535

	flagDontFragment  = 0x4000
	flagMoreFragments = 0x2000
	offsetMask        = 0x1FFF
	offsetUnit        = 8

	ProtoICMP = 1
	ProtoTCP  = 6
	ProtoUDP  = 17

	reassemblyTimeoutSeconds = 30 // §4.6: buffers older than this are eligible for discard; sweeping is not implemented (see DESIGN.md)
)

// Addr is a 4-byte IPv4 address in network order.
type Addr [4]byte

// Equal reports whether a and b hold the same address.
func (a Addr) Equal(b Addr) bool { return a == b }

// Mask applies netmask to a, returning the network portion.
func (a Addr) Mask(netmask Addr) Addr {
	var out Addr
	for i := range a {
		out[i] = a[i] & netmask[i]
	}
	return out
}

// IsBroadcast reports whether addr is the directed broadcast address for
// netmask (the host portion is all ones).
func IsBroadcast(addr, netmask Addr) bool {
	for i := range addr {
		if addr[i]|netmask[i] != 0xFF {
			return false
		}
	}
	return true
}

// IsMulticast reports whether addr falls in 224.0.0.0/4.
func IsMulticast(addr Addr) bool { return addr[0]&0xF0 == 0xE0 }

// Header is the fixed 20-byte IPv4 header (§4.6); options, when
// present, follow immediately and are not modeled since no local
// component emits or consumes them.
type Header struct {
	IHL         uint8
	TOS         uint8
	TotalLength uint16
	ID          uint16
	FlagsOffset uint16
	TTL         uint8
	Protocol    uint8
	Checksum    uint16
	Src, Dst    Addr
}

// DontFragment reports the header's DF bit.
func (h Header) DontFragment() bool { return h.FlagsOffset&flagDontFragment != 0 }

// MoreFragments reports the header's MF bit.
func (h Header) MoreFragments() bool { return h.FlagsOffset&flagMoreFragments != 0 }

// FragmentOffset returns the byte offset of this fragment's payload
// within the reassembled datagram.
func (h Header) FragmentOffset() int { return int(h.FlagsOffset&offsetMask) * offsetUnit }

// Marshal writes h into a HeaderLen-byte buffer.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderLen)
	buf[0] = (Version << 4) | (h.IHL & 0x0F)
	buf[1] = h.TOS
	binary.BigEndian.PutUint16(buf[2:4], h.TotalLength)
	binary.BigEndian.PutUint16(buf[4:6], h.ID)
	binary.BigEndian.PutUint16(buf[6:8], h.FlagsOffset)
	buf[8] = h.TTL
	buf[9] = h.Protocol
	binary.BigEndian.PutUint16(buf[10:12], h.Checksum)
	copy(buf[12:16], h.Src[:])
	copy(buf[16:20], h.Dst[:])
	return buf
}

// ParseHeader reads a Header from the front of data.
func ParseHeader(data []byte) (Header, *kernerr.Error) {
	if len(data) < HeaderLen {
		return Header{}, kernerr.New("ipv4", kernerr.InvalidArgument, "short header: %d bytes", len(data))
	}
	var h Header
	h.IHL = data[0] & 0x0F
	h.TOS = data[1]
	h.TotalLength = binary.BigEndian.Uint16(data[2:4])
	h.ID = binary.BigEndian.Uint16(data[4:6])
	h.FlagsOffset = binary.BigEndian.Uint16(data[6:8])
	h.TTL = data[8]
	h.Protocol = data[9]
	h.Checksum = binary.BigEndian.Uint16(data[10:12])
	copy(h.Src[:], data[12:16])
	copy(h.Dst[:], data[16:20])
	return h, nil
}

// Checksum computes the 16-bit one's-complement sum over data (§4.6).
func Checksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(data[n-1]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// PseudoChecksum computes the checksum over the UDP/TCP pseudo-header
// plus payload, used by those layers (§4.7, §4.8).
func PseudoChecksum(src, dst Addr, protocol uint8, payload []byte) uint16 {
	pseudo := make([]byte, 12+len(payload)+len(payload)%2)
	copy(pseudo[0:4], src[:])
	copy(pseudo[4:8], dst[:])
	pseudo[8] = 0
	pseudo[9] = protocol
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(payload)))
	copy(pseudo[12:], payload)
	return Checksum(pseudo)
}

// Route is one routing table entry (§4.6).
type Route struct {
	Network, Netmask, Gateway Addr
	Iface                     packet.Device
	Metric                    uint32
}

func prefixLen(mask Addr) int {
	n := 0
	for _, b := range mask {
		n += bits.OnesCount8(b)
	}
	return n
}

// IfaceConfig is the IPv4 address configuration bound to an interface.
type IfaceConfig struct {
	Addr, Netmask, Broadcast, Gateway Addr
}

// Stats mirrors the original's counters (§4.6).
type Stats struct {
	PacketsReceived, PacketsSent            uint64
	BytesReceived, BytesSent                uint64
	PacketsForwarded, PacketsDropped        uint64
	FragmentsReceived, FragmentsReassembled uint64
	ReassemblyFailures                      uint64
	FragmentsSent, FragmentationFailures    uint64
}

type fragKey struct {
	Src, Dst Addr
	Protocol uint8
	ID       uint16
}

type reassembly struct {
	data        []byte
	received    []bool // indexed by 8-byte block
	totalLength int    // -1 until the final fragment is seen
}

func (r *reassembly) complete() bool {
	if r.totalLength < 0 {
		return false
	}
	blocks := (r.totalLength + offsetUnit - 1) / offsetUnit
	for i := 0; i < blocks; i++ {
		if !r.received[i] {
			return false
		}
	}
	return true
}

// Stack is the per-kernel IPv4 layer: routing table, interface
// configuration, fragment reassembly state, and statistics.
type Stack struct {
	log    logr.Logger
	pool   *packet.Pool
	routes []*Route
	ifaces map[packet.Device]IfaceConfig
	reasm  map[fragKey]*reassembly
	nextID uint16
	stats  Stats
}

// NewStack returns an empty Stack.
func NewStack(pool *packet.Pool, log logr.Logger) *Stack {
	return &Stack{
		log:    log,
		pool:   pool,
		ifaces: make(map[packet.Device]IfaceConfig),
		reasm:  make(map[fragKey]*reassembly),
	}
}

// Stats returns a snapshot of the layer's counters.
func (s *Stack) Stats() Stats { return s.stats }

// ConfigureInterface binds an IPv4 address configuration to iface.
func (s *Stack) ConfigureInterface(iface packet.Device, cfg IfaceConfig) {
	s.ifaces[iface] = cfg
}

// IsLocal reports whether addr matches any configured interface address.
func (s *Stack) IsLocal(addr Addr) bool {
	for _, cfg := range s.ifaces {
		if cfg.Addr == addr {
			return true
		}
	}
	return false
}

// AddRoute inserts a route, keeping the table sorted by metric (§4.6).
func (s *Stack) AddRoute(network, netmask, gateway Addr, iface packet.Device, metric uint32) {
	r := &Route{Network: network, Netmask: netmask, Gateway: gateway, Iface: iface, Metric: metric}
	s.routes = append(s.routes, r)
	sort.SliceStable(s.routes, func(i, j int) bool { return s.routes[i].Metric < s.routes[j].Metric })
}

// RemoveRoute deletes the route matching (network, netmask), if any.
func (s *Stack) RemoveRoute(network, netmask Addr) bool {
	for i, r := range s.routes {
		if r.Network == network && r.Netmask == netmask {
			s.routes = append(s.routes[:i], s.routes[i+1:]...)
			return true
		}
	}
	return false
}

// FlushRoutes removes every route.
func (s *Stack) FlushRoutes() { s.routes = nil }

// FindRoute performs a longest-prefix match over the routing table,
// filtered by mask comparison and broken by minimum metric among routes
// of the same prefix length (§4.6).
func (s *Stack) FindRoute(dst Addr) (*Route, bool) {
	var best *Route
	bestLen := -1
	for _, r := range s.routes {
		if dst.Mask(r.Netmask) != r.Network {
			continue
		}
		pl := prefixLen(r.Netmask)
		if pl > bestLen || (pl == bestLen && r.Metric < best.Metric) {
			best = r
			bestLen = pl
		}
	}
	return best, best != nil
}

// Send builds a header for payload, computes the checksum, and either
// transmits directly or fragments across the outgoing interface's MTU
// (§4.6).
func (s *Stack) Send(protocol uint8, dst Addr, ttl uint8, payload []byte) *kernerr.Error {
	route, ok := s.FindRoute(dst)
	if !ok {
		s.stats.PacketsDropped++
		return kernerr.New("ipv4", kernerr.InvalidArgument, "no route to %v", dst)
	}
	cfg := s.ifaces[route.Iface]

	if ttl == 0 {
		ttl = TTLDefault
	}
	s.nextID++
	h := Header{
		IHL:         IHLMin,
		TotalLength: uint16(HeaderLen + len(payload)),
		ID:          s.nextID,
		TTL:         ttl,
		Protocol:    protocol,
		Src:         cfg.Addr,
		Dst:         dst,
	}

	datagram := append(h.Marshal(), payload...)
	csum := Checksum(datagram[:HeaderLen])
	binary.BigEndian.PutUint16(datagram[10:12], csum)

	if int(h.TotalLength) > int(route.Iface.MTU()) {
		return s.sendFragmented(datagram, route)
	}

	if err := route.Iface.Send(&packet.Packet{Data: datagram, Protocol: packet.ProtoIPv4}); err != nil {
		s.stats.PacketsDropped++
		return err
	}
	s.stats.PacketsSent++
	s.stats.BytesSent += uint64(len(datagram))
	return nil
}

func (s *Stack) sendFragmented(datagram []byte, route *Route) *kernerr.Error {
	h, err := ParseHeader(datagram)
	if err != nil {
		return err
	}
	if h.DontFragment() {
		s.stats.FragmentationFailures++
		return kernerr.New("ipv4", kernerr.ProtocolViolation, "datagram exceeds MTU and DF is set")
	}

	fragments, ferr := Fragment(datagram, int(route.Iface.MTU()))
	if ferr != nil {
		s.stats.FragmentationFailures++
		return ferr
	}

	for _, frag := range fragments {
		if err := route.Iface.Send(&packet.Packet{Data: frag, Protocol: packet.ProtoIPv4}); err != nil {
			s.stats.FragmentationFailures++
			return err
		}
		s.stats.FragmentsSent++
	}
	return nil
}

// Fragment splits a full datagram (header + payload) into MTU-sized
// fragments, each carrying its own header with recomputed checksum and
// fragment-offset/more-fragments bits set (§4.6).
func Fragment(datagram []byte, mtu int) ([][]byte, *kernerr.Error) {
	h, err := ParseHeader(datagram)
	if err != nil {
		return nil, err
	}
	if h.DontFragment() {
		return nil, kernerr.New("ipv4", kernerr.ProtocolViolation, "fragmentation requested with DF set")
	}

	payload := datagram[HeaderLen:]
	maxData := (mtu - HeaderLen) &^ (offsetUnit - 1)
	if maxData <= 0 {
		return nil, kernerr.New("ipv4", kernerr.InvalidArgument, "mtu %d too small to fragment", mtu)
	}

	numFragments := (len(payload) + maxData - 1) / maxData
	fragments := make([][]byte, 0, numFragments)

	offset := 0
	for i := 0; i < numFragments; i++ {
		size := maxData
		if i == numFragments-1 {
			size = len(payload) - offset
		}

		fh := h
		fh.TotalLength = uint16(HeaderLen + size)
		fh.FlagsOffset = uint16(offset / offsetUnit)
		if i != numFragments-1 {
			fh.FlagsOffset |= flagMoreFragments
		}
		fh.Checksum = 0

		buf := fh.Marshal()
		buf = append(buf, payload[offset:offset+size]...)
		binary.BigEndian.PutUint16(buf[10:12], Checksum(buf[:HeaderLen]))

		fragments = append(fragments, buf)
		offset += size
	}
	return fragments, nil
}

// reassemble folds an incoming fragment into its buffer, returning the
// completed datagram once every byte has arrived (§4.6).
func (s *Stack) reassemble(h Header, datagram []byte) ([]byte, bool) {
	key := fragKey{Src: h.Src, Dst: h.Dst, Protocol: h.Protocol, ID: h.ID}
	buf, ok := s.reasm[key]
	if !ok {
		buf = &reassembly{
			data:        make([]byte, MaxDatagram),
			received:    make([]bool, MaxDatagram/offsetUnit),
			totalLength: -1,
		}
		s.reasm[key] = buf
	}

	payload := datagram[HeaderLen:]
	offset := h.FragmentOffset()
	copy(buf.data[offset:], payload)

	startBlock := offset / offsetUnit
	blocks := (len(payload) + offsetUnit - 1) / offsetUnit
	for i := 0; i < blocks; i++ {
		buf.received[startBlock+i] = true
	}

	if !h.MoreFragments() {
		buf.totalLength = offset + len(payload)
	}

	if !buf.complete() {
		return nil, false
	}

	out := append(h.Marshal(), buf.data[:buf.totalLength]...)
	out = out[:HeaderLen+buf.totalLength]
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))
	out[6], out[7] = 0, 0 // clear flags/offset on the reassembled datagram
	out[10], out[11] = 0, 0
	binary.BigEndian.PutUint16(out[10:12], Checksum(out[:HeaderLen]))

	delete(s.reasm, key)
	s.stats.FragmentsReassembled++
	return out, true
}

// Receive parses and validates an incoming datagram. It returns the
// complete datagram (reassembling first if necessary) and true, or
// (nil, false) if the packet is an incomplete fragment or was dropped.
func (s *Stack) Receive(pkt *packet.Packet) ([]byte, Header, bool) {
	h, err := ParseHeader(pkt.Data)
	if err != nil {
		s.stats.PacketsDropped++
		return nil, Header{}, false
	}

	origChecksum := h.Checksum
	verify := append([]byte(nil), pkt.Data[:HeaderLen]...)
	verify[10], verify[11] = 0, 0
	if Checksum(verify) != origChecksum {
		s.stats.PacketsDropped++
		return nil, Header{}, false
	}

	s.stats.PacketsReceived++
	s.stats.BytesReceived += uint64(len(pkt.Data))

	if h.MoreFragments() || h.FragmentOffset() != 0 {
		s.stats.FragmentsReceived++
		datagram, complete := s.reassemble(h, pkt.Data)
		if !complete {
			return nil, Header{}, false
		}
		full, _ := ParseHeader(datagram)
		return datagram, full, true
	}

	return pkt.Data, h, true
}

// Forward decrements TTL, drops on expiry, recomputes the checksum, and
// re-routes the datagram toward its destination (§4.6). An ICMP
// time-exceeded notification is a documented hook, not implemented
// (§9).
func (s *Stack) Forward(datagram []byte) *kernerr.Error {
	h, err := ParseHeader(datagram)
	if err != nil {
		return err
	}

	if h.TTL <= 1 {
		s.stats.PacketsDropped++
		return kernerr.New("ipv4", kernerr.TransientFailure, "ttl expired en route to %v", h.Dst)
	}
	datagram[8] = h.TTL - 1
	datagram[10], datagram[11] = 0, 0
	binary.BigEndian.PutUint16(datagram[10:12], Checksum(datagram[:HeaderLen]))

	route, ok := s.FindRoute(h.Dst)
	if !ok {
		s.stats.PacketsDropped++
		return kernerr.New("ipv4", kernerr.InvalidArgument, "no route to %v", h.Dst)
	}

	if len(datagram) > int(route.Iface.MTU()) {
		if ferr := s.sendFragmented(datagram, route); ferr != nil {
			return ferr
		}
		s.stats.PacketsForwarded++
		return nil
	}

	if err := route.Iface.Send(&packet.Packet{Data: datagram, Protocol: packet.ProtoIPv4}); err != nil {
		s.stats.PacketsDropped++
		return err
	}
	s.stats.PacketsForwarded++
	return nil
}
