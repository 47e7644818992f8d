// Command kernel assembles the frame allocator, virtual memory manager,
// scheduler, and network stack against the hosted hal.Mock*
// implementations and drives them through a fixed number of timer
// ticks — the hosted stand-in for the boot-to-idle-loop sequence a real
// target's kmain would run forever.
//
// Grounded on rexinscfu/rexus's kmain.c bring-up order (pmm_init,
// vmm_init, scheduler_init, net_init, then the tick loop) and on
// jra3-system-agent's cmd/main.go for the logging/flag-wiring shape,
// adapted from stdlib flag + controller-runtime's zap options to a
// cobra root command with a zap-backed logr.Logger.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rexinscfu/rexus/boot"
	"github.com/rexinscfu/rexus/hal"
	"github.com/rexinscfu/rexus/mem/pmm"
	"github.com/rexinscfu/rexus/mem/vmm"
	"github.com/rexinscfu/rexus/net/ipv4"
	"github.com/rexinscfu/rexus/net/link"
	"github.com/rexinscfu/rexus/net/packet"
	"github.com/rexinscfu/rexus/net/tcp"
	"github.com/rexinscfu/rexus/net/udp"
	"github.com/rexinscfu/rexus/proc/sched"
)

// defaultMemMap is used when --memory-map is not given: a small
// available region, large enough for the bitmap, the idle task, and a
// handful of spawned tasks.
var defaultMemMap = []pmm.Region{
	{Base: 0, Length: 0x9FC00, Available: true},
	{Base: 0x100000, Length: 16 * 1024 * 1024, Available: true},
}

type options struct {
	memMapFile  string
	frameSize   uint64
	kernelStart uint64
	kernelEnd   uint64
	tickHz      uint32
	ticks       uint64
	mtu         uint32
	verbose     bool
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:           "kernel",
		Short:         "Boot the kernel core against the hosted HAL and run it for a fixed number of ticks.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	flags := root.Flags()
	flags.StringVar(&opts.memMapFile, "memory-map", "", "path to a JSON boot memory map (defaults to a built-in small map)")
	flags.Uint64Var(&opts.frameSize, "frame-size", 4096, "physical frame size in bytes")
	flags.Uint64Var(&opts.kernelStart, "kernel-start", 0x100000, "physical address of the kernel image start")
	flags.Uint64Var(&opts.kernelEnd, "kernel-end", 0x200000, "physical address of the kernel image end")
	flags.Uint32Var(&opts.tickHz, "tick-hz", 100, "timer tick frequency in Hz")
	flags.Uint64Var(&opts.ticks, "ticks", 1000, "number of timer ticks to run before exiting")
	flags.Uint32Var(&opts.mtu, "mtu", 1500, "loopback interface MTU")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug-level logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(verbose bool) logr.Logger {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	zapLog, err := cfg.Build()
	if err != nil {
		return logr.Discard()
	}
	return zapr.NewLogger(zapLog)
}

func run(opts *options) error {
	log := newLogger(opts.verbose)
	bootSession := uuid.New()
	log = log.WithValues("bootSession", bootSession.String())

	memMap := defaultMemMap
	if opts.memMapFile != "" {
		regions, err := boot.LoadRegionsFile(opts.memMapFile)
		if err != nil {
			return err
		}
		memMap = regions
	}

	frames, err := pmm.New(memMap, opts.frameSize, pmm.PhysAddr(opts.kernelStart), pmm.PhysAddr(opts.kernelEnd), log.WithName("pmm"))
	if err != nil {
		return err
	}
	total, used, free := frames.Stats()
	log.Info("frame allocator initialized", "total", total, "used", used, "free", free)

	cpu := hal.NewMockCPU()
	cpu.Init()
	timer := hal.NewMockTimer()
	timer.Init(opts.tickHz)

	vm := vmm.NewManager(frames, cpu, log.WithName("vmm"))

	scheduler, err := sched.New(frames, vm, cpu, log.WithName("sched"))
	if err != nil {
		return err
	}

	pool := packet.NewPool(log.WithName("packet"))
	registry := packet.NewRegistry(pool, log.WithName("packet"))
	lo := link.NewLoopback("lo", opts.mtu)
	if err := registry.Register(lo); err != nil {
		return err
	}

	ipStack := ipv4.NewStack(pool, log.WithName("ipv4"))
	loAddr := ipv4.Addr{127, 0, 0, 1}
	ipStack.ConfigureInterface(lo, ipv4.IfaceConfig{Addr: loAddr, Netmask: ipv4.Addr{255, 0, 0, 0}})
	ipStack.AddRoute(ipv4.Addr{127, 0, 0, 0}, ipv4.Addr{255, 0, 0, 0}, ipv4.Addr{}, lo, 0)

	udpStack := udp.NewStack(ipStack, log.WithName("udp"))
	tcpStack := tcp.NewStack(ipStack, log.WithName("tcp"))

	registry.RegisterProtocolHandler(packet.ProtoIPv4, func(dev packet.Device, pkt *packet.Packet) {
		datagram, h, ok := ipStack.Receive(pkt)
		if !ok {
			return
		}
		payload := datagram[ipv4.HeaderLen:]
		switch h.Protocol {
		case ipv4.ProtoUDP:
			udpStack.ReceivePacket(h.Src, h.Dst, payload)
		case ipv4.ProtoTCP:
			tcpStack.ReceivePacket(h.Src, h.Dst, payload)
		}
	})

	if _, err := scheduler.Spawn("net-poll", func(any) {}, nil, sched.Normal); err != nil {
		return err
	}

	echoSock, err := udpStack.CreateSocket(loAddr, 7, udp.DefaultConfig())
	if err != nil {
		return err
	}
	if err := udpStack.Send(echoSock, loAddr, 7, []byte("boot self-test")); err != nil {
		return err
	}

	log.Info("kernel core running", "ticks", opts.ticks, "tickHz", opts.tickHz)
	for i := uint64(0); i < opts.ticks; i++ {
		timer.Advance(1)
		scheduler.Tick()
		if err := registry.ProcessRX(context.Background()); err != nil {
			log.Error(err, "packet poll failed")
		}
	}

	recvBuf := make([]byte, 64)
	if n := udpStack.Receive(echoSock, recvBuf); n > 0 {
		log.Info("loopback self-test delivered", "payload", string(recvBuf[:n]))
	}

	log.Info("kernel core exiting", "ticksRun", timer.Ticks(), "currentPID", scheduler.Current().PID)
	return nil
}
