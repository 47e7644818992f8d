// Package udp implements UDP sockets over the ipv4 layer (§4.7): a
// socket table keyed by (local address, local port), a fixed-size
// receive buffer per socket, and checksum verification on ingress. The
// receive buffer does not wrap: a datagram is appended after the queued
// bytes and dropped as an overflow if it would run past the end, and
// the buffer returns to its start only once it has been fully drained.
//
// Grounded on rexinscfu/rexus's net/udp.c/.h: the same header layout,
// the same pseudo-header checksum algorithm, the same socket-table
// exact-match lookup on receive, and the same receive-buffer overflow
// counter.
package udp

import (
	"encoding/binary"

	"github.com/go-logr/logr"

	"github.com/rexinscfu/rexus/kernerr"
	"github.com/rexinscfu/rexus/net/ipv4"
)

const (
	HeaderLen = 8

	DefaultBufferSize = 8192
	maxSockets        = 256
)

// Header is the fixed 8-byte UDP header.
type Header struct {
	SrcPort, DstPort uint16
	Length           uint16
	Checksum         uint16
}

// Marshal writes h into an 8-byte buffer.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	binary.BigEndian.PutUint16(buf[6:8], h.Checksum)
	return buf
}

// ParseHeader reads a Header from the front of data.
func ParseHeader(data []byte) (Header, *kernerr.Error) {
	if len(data) < HeaderLen {
		return Header{}, kernerr.New("udp", kernerr.InvalidArgument, "short header: %d bytes", len(data))
	}
	var h Header
	h.SrcPort = binary.BigEndian.Uint16(data[0:2])
	h.DstPort = binary.BigEndian.Uint16(data[2:4])
	h.Length = binary.BigEndian.Uint16(data[4:6])
	h.Checksum = binary.BigEndian.Uint16(data[6:8])
	return h, nil
}

// checksum computes the pseudo-header checksum, mapping a 0 result to
// the wire's reserved "no checksum" encoding of 0xFFFF (§4.7).
func checksum(src, dst ipv4.Addr, datagram []byte) uint16 {
	sum := ipv4.PseudoChecksum(src, dst, ipv4.ProtoUDP, datagram)
	if sum == 0 {
		return 0xFFFF
	}
	return sum
}

// Config holds a socket's receive-buffer size and checksum policy.
type Config struct {
	BufferSize uint32
	Checksum   bool
}

// DefaultConfig matches the original's defaults (§4.7).
func DefaultConfig() Config {
	return Config{BufferSize: DefaultBufferSize, Checksum: true}
}

// Stats mirrors the original's per-socket counters.
type Stats struct {
	PacketsSent, PacketsReceived     uint64
	BytesSent, BytesReceived         uint64
	ChecksumErrors, BufferOverflows  uint64
	NoPortErrors                     uint64
}

// Socket is a UDP endpoint bound to a local address and port.
type Socket struct {
	LocalAddr ipv4.Addr
	LocalPort uint16
	config    Config
	stats     Stats

	recvBuf   []byte
	recvLen   uint32
	recvStart uint32
}

// Stats returns a snapshot of the socket's counters.
func (s *Socket) Stats() Stats { return s.stats }

// Stack is the UDP layer: the socket table plus a reference to the
// ipv4.Stack it sends through and receives from.
type Stack struct {
	log     logr.Logger
	ip      *ipv4.Stack
	sockets []*Socket
}

// NewStack returns an empty UDP layer bound to ip.
func NewStack(ip *ipv4.Stack, log logr.Logger) *Stack {
	return &Stack{log: log, ip: ip}
}

// CreateSocket binds a new socket to (localAddr, localPort), failing if
// that pair is already bound or the socket table is full (§4.7).
func (s *Stack) CreateSocket(localAddr ipv4.Addr, localPort uint16, cfg Config) (*Socket, *kernerr.Error) {
	if len(s.sockets) >= maxSockets {
		return nil, kernerr.New("udp", kernerr.ResourceExhaustion, "socket table full")
	}
	for _, sock := range s.sockets {
		if sock.LocalPort == localPort && sock.LocalAddr == localAddr {
			return nil, kernerr.New("udp", kernerr.InvalidArgument, "port %d already bound on %v", localPort, localAddr)
		}
	}
	if cfg.BufferSize == 0 {
		cfg = DefaultConfig()
	}

	sock := &Socket{
		LocalAddr: localAddr,
		LocalPort: localPort,
		config:    cfg,
		recvBuf:   make([]byte, cfg.BufferSize),
	}
	s.sockets = append(s.sockets, sock)
	return sock, nil
}

// CloseSocket unbinds sock.
func (s *Stack) CloseSocket(sock *Socket) {
	for i, candidate := range s.sockets {
		if candidate == sock {
			s.sockets = append(s.sockets[:i], s.sockets[i+1:]...)
			return
		}
	}
}

// Send builds a UDP datagram from data and hands it to the ipv4 layer
// (§4.7).
func (s *Stack) Send(sock *Socket, destAddr ipv4.Addr, destPort uint16, data []byte) *kernerr.Error {
	if len(data) > 0xFFFF-HeaderLen {
		return kernerr.New("udp", kernerr.InvalidArgument, "datagram too large: %d bytes", len(data))
	}

	h := Header{SrcPort: sock.LocalPort, DstPort: destPort, Length: uint16(HeaderLen + len(data))}
	datagram := append(h.Marshal(), data...)

	if sock.config.Checksum {
		binary.BigEndian.PutUint16(datagram[6:8], checksum(sock.LocalAddr, destAddr, datagram))
	}

	if err := s.ip.Send(uint8(ipv4.ProtoUDP), destAddr, 0, datagram); err != nil {
		return err
	}
	sock.stats.PacketsSent++
	sock.stats.BytesSent += uint64(len(data))
	return nil
}

// Receive copies queued data out of sock's receive buffer, returning
// the number of bytes copied (0 if the buffer is empty, never
// blocking) (§4.7).
func (s *Stack) Receive(sock *Socket, data []byte) int {
	if sock.recvLen == 0 {
		return 0
	}
	n := int(sock.recvLen)
	if n > len(data) {
		n = len(data)
	}
	copy(data, sock.recvBuf[sock.recvStart:sock.recvStart+uint32(n)])
	sock.recvStart += uint32(n)
	sock.recvLen -= uint32(n)
	if sock.recvLen == 0 {
		sock.recvStart = 0
	}
	return n
}

// ReceivePacket is the ingress hook driven by the ipv4 layer after
// reassembly: it locates the matching socket by exact (destination
// address, destination port), verifies the checksum, and appends the
// payload to the socket's receive buffer (§4.7). With no matching
// socket, the packet is dropped and logged, and no counter is
// incremented; an ICMP port-unreachable reply is a documented hook, not
// implemented (§9).
func (s *Stack) ReceivePacket(srcAddr, dstAddr ipv4.Addr, datagram []byte) {
	h, err := ParseHeader(datagram)
	if err != nil || int(h.Length) > len(datagram) {
		return
	}

	var sock *Socket
	for _, candidate := range s.sockets {
		if candidate.LocalPort == h.DstPort && candidate.LocalAddr == dstAddr {
			sock = candidate
			break
		}
	}
	if sock == nil {
		s.log.V(1).Info("udp: no socket bound", "port", h.DstPort, "addr", dstAddr)
		return
	}

	if sock.config.Checksum && h.Checksum != 0 {
		verify := append([]byte(nil), datagram[:h.Length]...)
		verify[6], verify[7] = 0, 0
		if checksum(srcAddr, dstAddr, verify) != h.Checksum {
			sock.stats.ChecksumErrors++
			return
		}
	}

	payload := datagram[HeaderLen:h.Length]
	if sock.recvStart+sock.recvLen+uint32(len(payload)) > uint32(len(sock.recvBuf)) {
		sock.stats.BufferOverflows++
		return
	}

	copy(sock.recvBuf[sock.recvStart+sock.recvLen:], payload)
	sock.recvLen += uint32(len(payload))

	sock.stats.PacketsReceived++
	sock.stats.BytesReceived += uint64(len(payload))
}
