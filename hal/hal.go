// Package hal defines the contract the kernel core expects from its
// hardware abstraction layer. Per-architecture register pokes, GPIO/UART/
// SPI/I2C/ADC/PWM/CAN bit-banging, and the assembly trampolines that load
// segment/page-table registers are external collaborators reached only
// through this interface set — the core never inspects their internals.
package hal

import "time"

// InterruptState is an opaque token returned by SaveInterrupts and
// consumed by RestoreInterrupts. Its only valid uses are: hold it, then
// hand it back unmodified.
type InterruptState uint64

// ISRHandler is registered against an interrupt vector number.
type ISRHandler func()

// CPU is the architecture-specific control surface the core depends on to
// manage interrupt state and to park the processor.
type CPU interface {
	// Init performs one-time architecture bring-up (segment/descriptor
	// tables, exception vector table, etc).
	Init()

	// EnableInterrupts and DisableInterrupts toggle the CPU's interrupt
	// mask unconditionally.
	EnableInterrupts()
	DisableInterrupts()

	// SaveInterrupts captures the current interrupt-enable state and
	// disables interrupts; RestoreInterrupts installs a previously
	// saved state. Used to bracket critical sections (§5): frame
	// allocator bitmap, scheduler ring, routing/connection tables.
	SaveInterrupts() InterruptState
	RestoreInterrupts(InterruptState)

	// RegisterISR installs handler for interrupt vector n, replacing
	// any previous registration.
	RegisterISR(vector int, handler ISRHandler)

	// FlushTLBEntry invalidates any cached translation for addr — the
	// invlpg-equivalent instruction §4.2 requires after map/unmap when
	// the edited directory is the one currently installed.
	FlushTLBEntry(addr uintptr)

	// LoadPageDirectory installs root as the MMU's page-table root
	// pointer. This is the per-architecture trampoline §9 calls out as
	// an external primitive with the single contract "after switch, the
	// new task resumes with its saved address space installed".
	LoadPageDirectory(root uintptr)

	// BusyWait spins for approximately the given duration without
	// yielding — used during device bring-up (e.g. polling a reset bit).
	BusyWait(d time.Duration)

	// Halt disables interrupts and parks the CPU permanently. Used only
	// on the Fatal error path (§7): unrecoverable CPU exceptions.
	Halt()
}

// Timer is the periodic tick source that drives scheduler preemption
// (§4.3, §4.9).
type Timer interface {
	// Init arms the timer to fire at frequency f (Hz).
	Init(freqHz uint32)

	// Ticks returns the monotonic tick count since Init. Never wraps
	// within the kernel's operating lifetime.
	Ticks() uint64
}

// IOPort is the x86-class port I/O primitive set. Architectures without
// port I/O (ARM, RISC-V, AVR) leave this nil and route everything through
// MMIO instead.
type IOPort interface {
	In8(port uint16) uint8
	Out8(port uint16, v uint8)
	In16(port uint16) uint16
	Out16(port uint16, v uint16)
	In32(port uint16) uint32
	Out32(port uint16, v uint32)
}

// MMIO is the memory-mapped I/O primitive set used by non-x86 targets and
// by any device (e.g. the descriptor-ring NIC) that is addressed through
// BAR-mapped registers regardless of architecture.
type MMIO interface {
	Read32(addr uintptr) uint32
	Write32(addr uintptr, v uint32)
}

// HAL aggregates the full external collaborator surface the kernel core
// depends on. A given architecture port supplies IOPort, MMIO, or both.
type HAL struct {
	CPU   CPU
	Timer Timer
	IO    IOPort
	MMIO  MMIO
}
