// Package tcp implements the steady-state path of TCP over the ipv4
// layer (§4.8): the eleven canonical states are represented, but only
// the established-connection path and its two close sequences are
// driven (established, the passive close through close-wait/last-ack,
// and the active close through fin-wait-1/fin-wait-2/time-wait); the
// three-way handshake itself is not performed (§9).
//
// Grounded on rexinscfu/rexus's net/tcp.c/.h: the same header layout,
// the same connection-table exact-match lookup on
// (local addr/port, remote addr/port), the same send/receive buffer
// bookkeeping (snd_una/snd_nxt/snd_wnd, rcv_nxt/rcv_wnd), the same
// ACK-sliding and strict in-order segment acceptance, and the same
// option parse/build routines.
package tcp

import (
	"encoding/binary"

	"github.com/go-logr/logr"

	"github.com/rexinscfu/rexus/kernerr"
	"github.com/rexinscfu/rexus/net/ipv4"
)

const (
	MinHeaderLen = 20
	MaxHeaderLen = 60

	FlagFIN = 0x01
	FlagSYN = 0x02
	FlagRST = 0x04
	FlagPSH = 0x08
	FlagACK = 0x10
	FlagURG = 0x20
	FlagECE = 0x40
	FlagCWR = 0x80

	optEnd       = 0
	optNOP       = 1
	optMSS       = 2
	optWScale    = 3
	optSACKPerm  = 4
	optTimestamp = 8

	maxConnections = 256

	DefaultMSS             = 1460
	DefaultWindow          = 65535
	DefaultRetransmitMillis = 1000
)

// State is one of the eleven canonical TCP connection states.
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynReceived
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Listen:
		return "LISTEN"
	case SynSent:
		return "SYN_SENT"
	case SynReceived:
		return "SYN_RECEIVED"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN_WAIT_1"
	case FinWait2:
		return "FIN_WAIT_2"
	case CloseWait:
		return "CLOSE_WAIT"
	case Closing:
		return "CLOSING"
	case LastAck:
		return "LAST_ACK"
	case TimeWait:
		return "TIME_WAIT"
	default:
		return "UNKNOWN"
	}
}

// Header is a TCP segment header, options excluded (carried separately
// by Options/optionBytes since their length is variable).
type Header struct {
	SrcPort, DstPort uint16
	SeqNum, AckNum   uint32
	DataOffset       uint8 // header length in 4-byte words, upper nibble on the wire
	Flags            uint8
	Window           uint16
	Checksum         uint16
	UrgentPtr        uint16
}

// Marshal writes h (without options) into a MinHeaderLen-byte buffer.
func (h Header) Marshal() []byte {
	buf := make([]byte, MinHeaderLen)
	binary.BigEndian.PutUint16(buf[0:2], h.SrcPort)
	binary.BigEndian.PutUint16(buf[2:4], h.DstPort)
	binary.BigEndian.PutUint32(buf[4:8], h.SeqNum)
	binary.BigEndian.PutUint32(buf[8:12], h.AckNum)
	buf[12] = h.DataOffset << 4
	buf[13] = h.Flags
	binary.BigEndian.PutUint16(buf[14:16], h.Window)
	binary.BigEndian.PutUint16(buf[16:18], h.Checksum)
	binary.BigEndian.PutUint16(buf[18:20], h.UrgentPtr)
	return buf
}

// ParseHeader reads a Header from the front of data.
func ParseHeader(data []byte) (Header, *kernerr.Error) {
	if len(data) < MinHeaderLen {
		return Header{}, kernerr.New("tcp", kernerr.InvalidArgument, "short header: %d bytes", len(data))
	}
	var h Header
	h.SrcPort = binary.BigEndian.Uint16(data[0:2])
	h.DstPort = binary.BigEndian.Uint16(data[2:4])
	h.SeqNum = binary.BigEndian.Uint32(data[4:8])
	h.AckNum = binary.BigEndian.Uint32(data[8:12])
	h.DataOffset = data[12] >> 4
	h.Flags = data[13]
	h.Window = binary.BigEndian.Uint16(data[14:16])
	h.Checksum = binary.BigEndian.Uint16(data[16:18])
	h.UrgentPtr = binary.BigEndian.Uint16(data[18:20])
	return h, nil
}

// HeaderLen returns the header length in bytes, options included.
func (h Header) HeaderLen() int { return int(h.DataOffset) * 4 }

func checksum(src, dst ipv4.Addr, segment []byte) uint16 {
	return ipv4.PseudoChecksum(src, dst, ipv4.ProtoTCP, segment)
}

// Config is a connection's negotiated parameters (§4.8).
type Config struct {
	MSS           uint16
	WindowScale   uint8
	SACKPermitted bool
	Timestamps    bool
	WindowSize    uint16
	RetransmitMS  uint32
}

// DefaultConfig matches the original's defaults.
func DefaultConfig() Config {
	return Config{MSS: DefaultMSS, WindowSize: DefaultWindow, RetransmitMS: DefaultRetransmitMillis}
}

// Stats mirrors the original's per-connection counters.
type Stats struct {
	PacketsSent, PacketsReceived   uint64
	BytesSent, BytesReceived       uint64
	Retransmissions, DuplicateACKs uint64
	OutOfOrder, WindowProbes       uint64
	ResetsSent, ResetsReceived     uint64
	SegmentsDropped                uint64
}

// Conn is one TCP connection (§4.8).
type Conn struct {
	LocalAddr, RemoteAddr ipv4.Addr
	LocalPort, RemotePort uint16

	State  State
	config Config
	stats  Stats

	sndUna, sndNxt, sndWnd uint32
	rcvNxt, rcvWnd         uint32

	// rto/srtt/rttvar are carried for a future retransmission-timer
	// driver; nothing currently advances them (§9).
	rto, srtt, rttvar uint32

	sendBuf []byte
	recvBuf []byte
}

// Stats returns a snapshot of the connection's counters.
func (c *Conn) Stats() Stats { return c.stats }

// Stack is the TCP layer: the connection table plus a reference to the
// ipv4.Stack it sends through and receives from.
type Stack struct {
	log   logr.Logger
	ip    *ipv4.Stack
	conns []*Conn
}

// NewStack returns an empty TCP layer bound to ip.
func NewStack(ip *ipv4.Stack, log logr.Logger) *Stack {
	return &Stack{log: log, ip: ip}
}

// CreateConnection allocates a CLOSED connection bound to the given
// four-tuple (§4.8). Establishing it is the caller's responsibility —
// see the package doc's handshake note.
func (s *Stack) CreateConnection(localAddr ipv4.Addr, localPort uint16, remoteAddr ipv4.Addr, remotePort uint16, cfg Config) (*Conn, *kernerr.Error) {
	if len(s.conns) >= maxConnections {
		return nil, kernerr.New("tcp", kernerr.ResourceExhaustion, "connection table full")
	}
	if cfg.WindowSize == 0 {
		cfg = DefaultConfig()
	}

	c := &Conn{
		LocalAddr: localAddr, LocalPort: localPort,
		RemoteAddr: remoteAddr, RemotePort: remotePort,
		State:   Closed,
		config:  cfg,
		sndWnd:  uint32(cfg.WindowSize),
		rcvWnd:  uint32(cfg.WindowSize),
		rto:     cfg.RetransmitMS,
		sendBuf: make([]byte, 0, cfg.WindowSize),
		recvBuf: make([]byte, 0, cfg.WindowSize),
	}
	s.conns = append(s.conns, c)
	return c, nil
}

// CloseConnection removes c from the table unconditionally (§4.8's
// CLOSED teardown; does not send a FIN — see Close for the graceful
// active-close path).
func (s *Stack) CloseConnection(c *Conn) {
	for i, candidate := range s.conns {
		if candidate == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

// find looks up the connection matching the exact four-tuple of an
// incoming segment.
func (s *Stack) find(localAddr, remoteAddr ipv4.Addr, localPort, remotePort uint16) *Conn {
	for _, c := range s.conns {
		if c.LocalPort == localPort && c.RemotePort == remotePort &&
			c.LocalAddr == localAddr && c.RemoteAddr == remoteAddr {
			return c
		}
	}
	return nil
}

func (s *Stack) send(c *Conn, flags uint8, payload []byte) *kernerr.Error {
	h := Header{
		SrcPort: c.LocalPort, DstPort: c.RemotePort,
		SeqNum: c.sndNxt, AckNum: c.rcvNxt,
		DataOffset: MinHeaderLen / 4,
		Flags:      flags,
		Window:     uint16(c.rcvWnd),
	}
	segment := append(h.Marshal(), payload...)
	binary.BigEndian.PutUint16(segment[16:18], checksum(c.LocalAddr, c.RemoteAddr, segment))

	if err := s.ip.Send(uint8(ipv4.ProtoTCP), c.RemoteAddr, 0, segment); err != nil {
		return err
	}
	c.stats.PacketsSent++
	c.stats.BytesSent += uint64(len(payload))
	return nil
}

// Send queues data for an established connection and transmits it
// immediately as a single segment (§4.8; no Nagle coalescing or
// retransmission queueing is modeled — see the package doc).
func (s *Stack) Send(c *Conn, data []byte) *kernerr.Error {
	if c.State != Established {
		return kernerr.New("tcp", kernerr.InvalidArgument, "send on connection in state %s", c.State)
	}
	if uint32(len(c.sendBuf)+len(data)) > uint32(c.config.WindowSize) {
		return kernerr.New("tcp", kernerr.ResourceExhaustion, "send buffer full")
	}

	c.sendBuf = append(c.sendBuf, data...)
	if err := s.send(c, FlagACK|FlagPSH, data); err != nil {
		return err
	}
	c.sndNxt += uint32(len(data))
	return nil
}

// Receive copies queued data out of c's receive buffer, sliding the
// remainder down (§4.8's memmove semantics), and grows the advertised
// window back open by what was drained.
func (s *Stack) Receive(c *Conn, data []byte) int {
	n := len(c.recvBuf)
	if n > len(data) {
		n = len(data)
	}
	if n == 0 {
		return 0
	}
	copy(data, c.recvBuf[:n])
	c.recvBuf = c.recvBuf[:copy(c.recvBuf, c.recvBuf[n:])]
	c.rcvWnd += uint32(n)
	return n
}

// Close initiates an active close from ESTABLISHED, sending a FIN and
// moving to FIN_WAIT_1 (§4.8). Closing from CLOSE_WAIT (passive close)
// sends a FIN and moves to LAST_ACK.
func (s *Stack) Close(c *Conn) *kernerr.Error {
	switch c.State {
	case Established:
		if err := s.send(c, FlagACK|FlagFIN, nil); err != nil {
			return err
		}
		c.sndNxt++
		c.State = FinWait1
	case CloseWait:
		if err := s.send(c, FlagACK|FlagFIN, nil); err != nil {
			return err
		}
		c.sndNxt++
		c.State = LastAck
	default:
		return kernerr.New("tcp", kernerr.InvalidArgument, "close on connection in state %s", c.State)
	}
	return nil
}

// ReceivePacket is the ingress hook driven by the ipv4 layer: it locates
// the matching connection by exact four-tuple and advances its state
// machine (§4.8). With no matching connection, an RST reply is a
// documented hook, not implemented (§9).
func (s *Stack) ReceivePacket(srcAddr, dstAddr ipv4.Addr, segment []byte) {
	h, err := ParseHeader(segment)
	if err != nil {
		return
	}
	headerLen := h.HeaderLen()
	if headerLen < MinHeaderLen || headerLen > len(segment) {
		return
	}

	c := s.find(dstAddr, srcAddr, h.DstPort, h.SrcPort)
	if c == nil {
		s.log.V(1).Info("tcp: no connection bound", "port", h.DstPort, "addr", dstAddr)
		return
	}

	verify := append([]byte(nil), segment...)
	verify[16], verify[17] = 0, 0
	if checksum(srcAddr, dstAddr, verify) != h.Checksum {
		c.stats.SegmentsDropped++
		return
	}
	c.stats.PacketsReceived++

	switch c.State {
	case Established:
		s.handleEstablished(c, h, segment[headerLen:])
	case FinWait1:
		if h.Flags&FlagACK != 0 && h.AckNum == c.sndNxt {
			c.State = FinWait2
		} else {
			c.stats.SegmentsDropped++
		}
	case FinWait2:
		if h.Flags&FlagFIN != 0 {
			c.rcvNxt++
			s.send(c, FlagACK, nil)
			c.State = TimeWait
		} else {
			c.stats.SegmentsDropped++
		}
	case LastAck:
		if h.Flags&FlagACK != 0 && h.AckNum == c.sndNxt {
			c.State = Closed
		} else {
			c.stats.SegmentsDropped++
		}
	default:
		c.stats.SegmentsDropped++
	}
}

func (s *Stack) handleEstablished(c *Conn, h Header, payload []byte) {
	if h.Flags&(FlagACK|FlagFIN) == 0 && len(payload) == 0 {
		c.stats.SegmentsDropped++
		return
	}
	c.sndWnd = uint32(h.Window)

	if h.Flags&FlagACK != 0 {
		acked := h.AckNum - c.sndUna
		if acked > 0 && acked <= uint32(len(c.sendBuf)) {
			c.sendBuf = c.sendBuf[:copy(c.sendBuf, c.sendBuf[acked:])]
			c.sndUna = h.AckNum
		} else if acked == 0 {
			c.stats.DuplicateACKs++
		}
	}

	if len(payload) > 0 {
		if h.SeqNum == c.rcvNxt && uint32(len(c.recvBuf)+len(payload)) <= uint32(c.config.WindowSize) {
			c.recvBuf = append(c.recvBuf, payload...)
			c.rcvNxt += uint32(len(payload))
			c.rcvWnd -= uint32(len(payload))
			c.stats.BytesReceived += uint64(len(payload))
		} else {
			c.stats.OutOfOrder++
		}
	}

	if h.Flags&FlagFIN != 0 {
		c.rcvNxt++
		s.send(c, FlagACK, nil)
		c.State = CloseWait
	}
}

// Options is a decoded TCP option set (§4.8).
type Options struct {
	MSS           uint16
	WindowScale   uint8
	SACKPermitted bool
	Timestamps    bool
}

// ParseOptions walks the variable-length option space following a
// segment's fixed header (§4.8).
func ParseOptions(segment []byte, headerLen int) (Options, *kernerr.Error) {
	var opts Options
	if headerLen < MinHeaderLen || headerLen > len(segment) {
		return opts, kernerr.New("tcp", kernerr.InvalidArgument, "invalid header length %d", headerLen)
	}
	data := segment[MinHeaderLen:headerLen]

	for len(data) > 0 {
		kind := data[0]
		if kind == optEnd {
			break
		}
		if kind == optNOP {
			data = data[1:]
			continue
		}
		if len(data) < 2 {
			return opts, kernerr.New("tcp", kernerr.ProtocolViolation, "truncated option")
		}
		length := int(data[1])
		if length < 2 || length > len(data) {
			return opts, kernerr.New("tcp", kernerr.ProtocolViolation, "malformed option length")
		}

		switch kind {
		case optMSS:
			if length == 4 {
				opts.MSS = binary.BigEndian.Uint16(data[2:4])
			}
		case optWScale:
			if length == 3 {
				opts.WindowScale = data[2]
			}
		case optSACKPerm:
			if length == 2 {
				opts.SACKPermitted = true
			}
		case optTimestamp:
			if length == 10 {
				opts.Timestamps = true
			}
		}
		data = data[length:]
	}
	return opts, nil
}

// BuildOptions encodes cfg as MSS[, WindowScale][, SACKPermitted]
// [, Timestamp], NOP-padded to a 4-byte multiple, returning the option
// bytes and the resulting DataOffset in 4-byte words (§4.8).
func BuildOptions(cfg Config) ([]byte, uint8) {
	var buf []byte

	mss := make([]byte, 4)
	mss[0], mss[1] = optMSS, 4
	binary.BigEndian.PutUint16(mss[2:4], cfg.MSS)
	buf = append(buf, mss...)

	if cfg.WindowScale > 0 {
		buf = append(buf, optWScale, 3, cfg.WindowScale)
	}
	if cfg.SACKPermitted {
		buf = append(buf, optSACKPerm, 2)
	}
	if cfg.Timestamps {
		ts := make([]byte, 10)
		ts[0], ts[1] = optTimestamp, 10
		buf = append(buf, ts...)
	}
	for len(buf)%4 != 0 {
		buf = append(buf, optNOP)
	}

	return buf, uint8((MinHeaderLen + len(buf)) / 4)
}
