package tcp

import (
	"testing"

	"github.com/go-logr/logr"

	"github.com/rexinscfu/rexus/kernerr"
	"github.com/rexinscfu/rexus/net/ipv4"
	"github.com/rexinscfu/rexus/net/packet"
)

type recordingDevice struct {
	mtu  uint32
	sent [][]byte
}

func (d *recordingDevice) Name() string         { return "eth0" }
func (d *recordingDevice) MTU() uint32          { return d.mtu }
func (d *recordingDevice) MAC() [6]byte         { return [6]byte{} }
func (d *recordingDevice) Init() *kernerr.Error  { return nil }
func (d *recordingDevice) Start() *kernerr.Error { return nil }
func (d *recordingDevice) Stop()                 {}
func (d *recordingDevice) Cleanup()              {}
func (d *recordingDevice) Stats() packet.Stats   { return packet.Stats{} }
func (d *recordingDevice) Receive() *packet.Packet { return nil }
func (d *recordingDevice) Send(pkt *packet.Packet) *kernerr.Error {
	d.sent = append(d.sent, append([]byte(nil), pkt.Data...))
	return nil
}

// deliver pipes the most recent datagram dev sent through the ipv4
// layer's receive/reassembly path and hands the TCP segment to dst.
func deliver(t *testing.T, ip *ipv4.Stack, dev *recordingDevice, dst *Stack) {
	t.Helper()
	if len(dev.sent) == 0 {
		t.Fatal("no datagram was transmitted")
	}
	raw := dev.sent[len(dev.sent)-1]
	datagram, h, ok := ip.Receive(&packet.Packet{Data: raw})
	if !ok {
		t.Fatal("ipv4.Receive failed to parse the transmitted datagram")
	}
	dst.ReceivePacket(h.Src, h.Dst, datagram[ipv4.HeaderLen:])
}

func newTestPair(t *testing.T) (*Stack, *Conn, *Conn, *ipv4.Stack, *recordingDevice) {
	t.Helper()
	// Both endpoints sit on the same configured address, looping back
	// through a single interface, the same pattern the udp package's
	// tests use to exercise a full send/receive path on one host.
	a := ipv4.Addr{10, 0, 0, 1}
	dev := &recordingDevice{mtu: 1500}

	ip := ipv4.NewStack(nil, logr.Discard())
	ip.ConfigureInterface(dev, ipv4.IfaceConfig{Addr: a, Netmask: ipv4.Addr{255, 255, 255, 0}})
	ip.AddRoute(ipv4.Addr{10, 0, 0, 0}, ipv4.Addr{255, 255, 255, 0}, ipv4.Addr{}, dev, 1)

	s := NewStack(ip, logr.Discard())
	client, err := s.CreateConnection(a, 4000, a, 80, DefaultConfig())
	if err != nil {
		t.Fatalf("CreateConnection client: %v", err)
	}
	server, err := s.CreateConnection(a, 80, a, 4000, DefaultConfig())
	if err != nil {
		t.Fatalf("CreateConnection server: %v", err)
	}
	client.State = Established
	server.State = Established
	return s, client, server, ip, dev
}

func TestScenarioS4DataAndAckExchange(t *testing.T) {
	s, client, server, ip, dev := newTestPair(t)

	if err := s.Send(client, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	deliver(t, ip, dev, s)

	buf := make([]byte, 64)
	n := s.Receive(server, buf)
	if string(buf[:n]) != "hello" {
		t.Errorf("received %q, want %q", buf[:n], "hello")
	}
	if server.rcvNxt != 5 {
		t.Errorf("rcvNxt = %d, want 5", server.rcvNxt)
	}

	// Server acknowledges the 5 bytes it received; client's send buffer
	// should slide forward and empty out.
	ack := Header{SrcPort: server.LocalPort, DstPort: client.LocalPort, AckNum: client.sndNxt, Flags: FlagACK, DataOffset: MinHeaderLen / 4}
	segment := ack.Marshal()
	sum := checksum(server.LocalAddr, client.LocalAddr, segment)
	segment[16], segment[17] = byte(sum>>8), byte(sum)
	s.ReceivePacket(server.LocalAddr, client.LocalAddr, segment)

	if client.sndUna != 5 {
		t.Errorf("sndUna = %d, want 5", client.sndUna)
	}
	if len(client.sendBuf) != 0 {
		t.Errorf("client send buffer not drained after ack, len=%d", len(client.sendBuf))
	}
}

// TestScenarioS4PartialAckSlidesBuffer pins the scenario's own numbers:
// snd.una=1000, snd.nxt=1500, 500 bytes queued; an ACK=1200 should slide
// the buffer down by exactly the 200 acked bytes, leaving 300 rather
// than clearing it.
func TestScenarioS4PartialAckSlidesBuffer(t *testing.T) {
	s, client, server, _, _ := newTestPair(t)

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i)
	}
	client.sndUna = 1000
	client.sndNxt = 1500
	client.sendBuf = append([]byte(nil), payload...)

	ack := Header{SrcPort: server.LocalPort, DstPort: client.LocalPort, AckNum: 1200, Flags: FlagACK, DataOffset: MinHeaderLen / 4}
	segment := ack.Marshal()
	sum := checksum(server.LocalAddr, client.LocalAddr, segment)
	segment[16], segment[17] = byte(sum>>8), byte(sum)
	s.ReceivePacket(server.LocalAddr, client.LocalAddr, segment)

	if client.sndUna != 1200 {
		t.Errorf("sndUna = %d, want 1200", client.sndUna)
	}
	if len(client.sendBuf) != 300 {
		t.Fatalf("sendBuf len = %d, want 300", len(client.sendBuf))
	}
	if string(client.sendBuf) != string(payload[200:]) {
		t.Errorf("sendBuf did not slide down to the unacked tail")
	}
}

func TestOutOfOrderSegmentCountedAndDropped(t *testing.T) {
	s, client, server, ip, dev := newTestPair(t)
	client.sndNxt = 100 // simulate a gap: server expects seq 0, not 100

	if err := s.Send(client, []byte("x")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	deliver(t, ip, dev, s)

	if server.stats.OutOfOrder != 1 {
		t.Errorf("OutOfOrder = %d, want 1", server.stats.OutOfOrder)
	}
	buf := make([]byte, 16)
	if n := s.Receive(server, buf); n != 0 {
		t.Errorf("expected no data delivered out of order, got %d bytes", n)
	}
}

func TestActiveCloseSequence(t *testing.T) {
	s, client, server, ip, dev := newTestPair(t)
	_ = server

	if err := s.Close(client); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if client.State != FinWait1 {
		t.Fatalf("state = %s, want FIN_WAIT_1", client.State)
	}

	// Peer acks the FIN.
	ackSeg := Header{SrcPort: server.LocalPort, DstPort: client.LocalPort, AckNum: client.sndNxt, Flags: FlagACK, DataOffset: MinHeaderLen / 4}
	buf := ackSeg.Marshal()
	sum := checksum(server.LocalAddr, client.LocalAddr, buf)
	buf[16], buf[17] = byte(sum>>8), byte(sum)
	s.ReceivePacket(server.LocalAddr, client.LocalAddr, buf)
	if client.State != FinWait2 {
		t.Fatalf("state = %s, want FIN_WAIT_2", client.State)
	}

	// Peer sends its own FIN.
	finSeg := Header{SrcPort: server.LocalPort, DstPort: client.LocalPort, Flags: FlagFIN, DataOffset: MinHeaderLen / 4}
	buf = finSeg.Marshal()
	sum = checksum(server.LocalAddr, client.LocalAddr, buf)
	buf[16], buf[17] = byte(sum>>8), byte(sum)
	s.ReceivePacket(server.LocalAddr, client.LocalAddr, buf)
	if client.State != TimeWait {
		t.Fatalf("state = %s, want TIME_WAIT", client.State)
	}
	_ = ip
	_ = dev
}

func TestPassiveCloseSequence(t *testing.T) {
	s, client, server, _, _ := newTestPair(t)
	_ = client

	finSeg := Header{SrcPort: client.LocalPort, DstPort: server.LocalPort, SeqNum: server.rcvNxt, Flags: FlagFIN, DataOffset: MinHeaderLen / 4}
	buf := finSeg.Marshal()
	sum := checksum(client.LocalAddr, server.LocalAddr, buf)
	buf[16], buf[17] = byte(sum>>8), byte(sum)
	s.ReceivePacket(client.LocalAddr, server.LocalAddr, buf)
	if server.State != CloseWait {
		t.Fatalf("state = %s, want CLOSE_WAIT", server.State)
	}

	if err := s.Close(server); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if server.State != LastAck {
		t.Fatalf("state = %s, want LAST_ACK", server.State)
	}

	ackSeg := Header{SrcPort: client.LocalPort, DstPort: server.LocalPort, AckNum: server.sndNxt, Flags: FlagACK, DataOffset: MinHeaderLen / 4}
	buf = ackSeg.Marshal()
	sum = checksum(client.LocalAddr, server.LocalAddr, buf)
	buf[16], buf[17] = byte(sum>>8), byte(sum)
	s.ReceivePacket(client.LocalAddr, server.LocalAddr, buf)
	if server.State != Closed {
		t.Fatalf("state = %s, want CLOSED", server.State)
	}
}

func TestReceivePacketDropsBadChecksum(t *testing.T) {
	s, client, server, _, _ := newTestPair(t)
	h := Header{SrcPort: client.LocalPort, DstPort: server.LocalPort, Flags: FlagACK, DataOffset: MinHeaderLen / 4, Checksum: 0xBEEF}
	s.ReceivePacket(client.LocalAddr, server.LocalAddr, h.Marshal())
	if server.stats.PacketsReceived != 0 {
		t.Errorf("PacketsReceived = %d, want 0 for a bad-checksum segment", server.stats.PacketsReceived)
	}
}

func TestBuildAndParseOptionsRoundTrip(t *testing.T) {
	cfg := Config{MSS: 1460, WindowScale: 7, SACKPermitted: true, Timestamps: true}
	optBytes, dataOffset := BuildOptions(cfg)
	if len(optBytes)%4 != 0 {
		t.Fatalf("options not padded to a 4-byte multiple: %d bytes", len(optBytes))
	}

	segment := append(Header{DataOffset: dataOffset}.Marshal(), optBytes...)
	got, err := ParseOptions(segment, int(dataOffset)*4)
	if err != nil {
		t.Fatalf("ParseOptions: %v", err)
	}
	if got.MSS != cfg.MSS || got.WindowScale != cfg.WindowScale || !got.SACKPermitted || !got.Timestamps {
		t.Errorf("parsed options = %+v, want to match %+v", got, cfg)
	}
}
