package link

import (
	"testing"

	"github.com/go-logr/logr"

	"github.com/rexinscfu/rexus/hal"
	"github.com/rexinscfu/rexus/mem/pmm"
	"github.com/rexinscfu/rexus/net/packet"
)

func newTestNIC(t *testing.T) (*NIC, *hal.MockMMIO) {
	t.Helper()
	memMap := []pmm.Region{{Base: 0, Length: 16 * 1024 * 1024, Available: true}}
	frames, err := pmm.New(memMap, 4096, 0, 0, logr.Discard())
	if err != nil {
		t.Fatalf("pmm.New: %v", err)
	}
	mmio := hal.NewMockMMIO()
	mmio.Poke(0x5400, 0x01020304) // RAL
	mmio.Poke(0x5404, 0x0000aabb) // RAH

	cpu := hal.NewMockCPU()
	pool := packet.NewPool(logr.Discard())

	nic, nerr := NewNIC("eth0", 0, mmio, cpu, frames, pool, logr.Discard())
	if nerr != nil {
		t.Fatalf("NewNIC: %v", nerr)
	}
	if err := nic.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return nic, mmio
}

func TestNICInitReadsMACAndEnablesRings(t *testing.T) {
	nic, mmio := newTestNIC(t)
	want := [6]byte{0x04, 0x03, 0x02, 0x01, 0xbb, 0xaa}
	if nic.MAC() != want {
		t.Errorf("MAC = %x, want %x", nic.MAC(), want)
	}
	if mmio.Read32(0x0100)&rctlEN == 0 {
		t.Errorf("RCTL.EN not set after Init")
	}
	if mmio.Read32(0x0400)&tctlEN == 0 {
		t.Errorf("TCTL.EN not set after Init")
	}
}

func TestSendThenReceiveRoundTrip(t *testing.T) {
	nic, _ := newTestNIC(t)

	pkt := &packet.Packet{Data: []byte("hello, wire")}
	if err := nic.Send(pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if nic.stats.TXPackets != 1 {
		t.Errorf("TXPackets = %d, want 1", nic.stats.TXPackets)
	}

	if err := nic.DeliverFrame([]byte("incoming frame")); err != nil {
		t.Fatalf("DeliverFrame: %v", err)
	}

	got := nic.Receive()
	if got == nil {
		t.Fatal("Receive returned nil after DeliverFrame")
	}
	if string(got.Data) != "incoming frame" {
		t.Errorf("Receive data = %q, want %q", got.Data, "incoming frame")
	}
	if nic.Receive() != nil {
		t.Errorf("Receive should return nil once the ring is drained")
	}
}

func TestSendFailsWhenTxDescriptorNotFree(t *testing.T) {
	nic, _ := newTestNIC(t)
	nic.txDescs[nic.txCur].status = 0 // simulate a still-in-flight descriptor

	if err := nic.Send(&packet.Packet{Data: []byte("x")}); err == nil {
		t.Fatal("expected send to fail against a busy descriptor")
	}
}

func TestSendRejectsOversizeFrame(t *testing.T) {
	nic, _ := newTestNIC(t)
	if err := nic.Send(&packet.Packet{Data: make([]byte, bufferSize+1)}); err == nil {
		t.Fatal("expected an error for an oversized frame")
	}
}

func TestLoopbackSendReceive(t *testing.T) {
	lb := NewLoopback("lo", 1500)
	pkt := &packet.Packet{Data: []byte("ping"), Protocol: packet.ProtoIPv4}
	if err := lb.Send(pkt); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := lb.Receive()
	if got == nil || string(got.Data) != "ping" {
		t.Fatalf("loopback did not deliver the sent packet: %v", got)
	}
	if lb.Receive() != nil {
		t.Errorf("loopback queue should be drained after one Receive")
	}
}
