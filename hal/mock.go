package hal

import "time"

// MockCPU is an in-memory CPU implementation used by tests and by the
// hosted cmd/kernel boot simulation, where there is no real interrupt
// controller to program.
type MockCPU struct {
	interruptsEnabled bool
	isrs              map[int]ISRHandler
	halted            bool
	flushedAddrs      []uintptr
	loadedRoot        uintptr
}

// NewMockCPU returns a MockCPU with interrupts enabled, matching the
// state a real CPU is left in after boot.
func NewMockCPU() *MockCPU {
	return &MockCPU{
		interruptsEnabled: true,
		isrs:              make(map[int]ISRHandler),
	}
}

func (c *MockCPU) Init() {}

func (c *MockCPU) EnableInterrupts()  { c.interruptsEnabled = true }
func (c *MockCPU) DisableInterrupts() { c.interruptsEnabled = false }

func (c *MockCPU) SaveInterrupts() InterruptState {
	var state InterruptState
	if c.interruptsEnabled {
		state = 1
	}
	c.interruptsEnabled = false
	return state
}

func (c *MockCPU) RestoreInterrupts(state InterruptState) {
	c.interruptsEnabled = state != 0
}

func (c *MockCPU) RegisterISR(vector int, handler ISRHandler) {
	c.isrs[vector] = handler
}

// FireISR invokes a previously registered handler; tests use this to
// simulate a NIC or timer interrupt without a real interrupt controller.
func (c *MockCPU) FireISR(vector int) bool {
	h, ok := c.isrs[vector]
	if !ok {
		return false
	}
	h()
	return true
}

func (c *MockCPU) FlushTLBEntry(addr uintptr) {
	c.flushedAddrs = append(c.flushedAddrs, addr)
}

// FlushedAddrs returns every address passed to FlushTLBEntry, in order.
func (c *MockCPU) FlushedAddrs() []uintptr { return c.flushedAddrs }

func (c *MockCPU) LoadPageDirectory(root uintptr) { c.loadedRoot = root }

// LoadedRoot returns the last root pointer passed to LoadPageDirectory.
func (c *MockCPU) LoadedRoot() uintptr { return c.loadedRoot }

func (c *MockCPU) BusyWait(d time.Duration) {}

func (c *MockCPU) Halt() {
	c.interruptsEnabled = false
	c.halted = true
}

// Halted reports whether Halt has been called.
func (c *MockCPU) Halted() bool { return c.halted }

// InterruptsEnabled reports the current interrupt mask state.
func (c *MockCPU) InterruptsEnabled() bool { return c.interruptsEnabled }

// MockTimer is a software tick source: tests advance it explicitly via
// Advance instead of waiting on a real periodic interrupt.
type MockTimer struct {
	freqHz uint32
	ticks  uint64
}

func NewMockTimer() *MockTimer { return &MockTimer{} }

func (t *MockTimer) Init(freqHz uint32) { t.freqHz = freqHz }

func (t *MockTimer) Ticks() uint64 { return t.ticks }

// Advance bumps the tick counter by n, as if n timer interrupts fired.
func (t *MockTimer) Advance(n uint64) { t.ticks += n }

// FreqHz returns the frequency passed to Init.
func (t *MockTimer) FreqHz() uint32 { return t.freqHz }

// MockMMIO is an in-memory register file used by device driver tests,
// standing in for a BAR-mapped register window.
type MockMMIO struct {
	regs map[uintptr]uint32
}

// NewMockMMIO returns an empty MockMMIO; unread registers read as zero.
func NewMockMMIO() *MockMMIO {
	return &MockMMIO{regs: make(map[uintptr]uint32)}
}

func (m *MockMMIO) Read32(addr uintptr) uint32 { return m.regs[addr] }

func (m *MockMMIO) Write32(addr uintptr, v uint32) { m.regs[addr] = v }

// Poke presets a register's value, e.g. to seed the MAC-address
// registers a real NIC would already hold in its non-volatile store.
func (m *MockMMIO) Poke(addr uintptr, v uint32) { m.regs[addr] = v }
