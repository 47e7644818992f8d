// Package sched implements the single-CPU, preemptible task scheduler
// (§4.3): a singly-linked ring of process control blocks with a stable
// idle task at its head, round-robin selection, sleeping, blocking, and
// lazy reaping of terminated tasks on the next pass that visits their
// slot.
//
// Grounded on rexinscfu/rexus's proc/process.c: the same ring shape (a
// NULL-terminated list with manual wraparound in the selector rather
// than a true circular list), the same selection order (ready, then
// blocked-and-due, then terminated-and-reap, else advance), and the
// same timer-tick cadence (reschedule every tenth tick). This build has
// no assembly context-switch trampoline, so SP/BP/IP are carried on the
// PCB purely as bookkeeping (§9 treats the actual switch as an external
// primitive reached through hal.CPU) rather than driving real execution.
package sched

import (
	"github.com/go-logr/logr"

	"github.com/rexinscfu/rexus/hal"
	"github.com/rexinscfu/rexus/kernerr"
	"github.com/rexinscfu/rexus/mem/pmm"
	"github.com/rexinscfu/rexus/mem/vmm"
)

// State is a PCB's point in its lifecycle.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Terminated
)

func (s State) String() string {
	switch s {
	case Ready:
		return "ready"
	case Running:
		return "running"
	case Blocked:
		return "blocked"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Priority is carried per PCB but does not influence the present
// round-robin selector (§4.3) — it exists so a priority-weighted
// selector can be substituted without a data-model change.
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Realtime
)

const (
	idleStackFrames = 1 // 4 KiB, matching the idle task's original allocation
	taskStackFrames = 4 // 16 KiB, matching a spawned task's original allocation

	reschedulePeriod = 10 // ticks between timer-driven reschedules
)

// EntryFunc is a task's entry point. It is stored on the PCB as
// bookkeeping, the same role process_create's eip field plays in the
// original — this build has no mechanism to resume a suspended call
// stack, so EntryFunc is never invoked by the scheduler itself.
type EntryFunc func(arg any)

// PCB is a process control block (§3): identity, scheduling state, the
// saved register set a real context switch would restore, and the
// address space and kernel stack the process owns.
type PCB struct {
	PID      uint32
	Name     string
	State    State
	Priority Priority

	// SP, BP and IP mirror the fields a real context switch saves and
	// restores. They are never dereferenced by this build; the values
	// are filled in following the same layout process_create uses so
	// an architecture port's trampoline would find what it expects.
	SP, BP, IP uintptr

	Dir         *vmm.Directory
	StackBase   pmm.PhysAddr
	StackFrames uint32

	WakeTime uint64 // valid only while State == Blocked
	ExitCode int

	entry EntryFunc
	arg   any

	next *PCB
}

// Scheduler owns the ring of PCBs and the clock driving preemption. Not
// safe for concurrent use without external interrupt masking (§5) —
// YieldNow itself brackets its critical section via the HAL.
type Scheduler struct {
	frames *pmm.Allocator
	vm     *vmm.Manager
	cpu    hal.CPU
	log    logr.Logger

	idle    *PCB
	current *PCB
	nextPID uint32
	now     uint64
}

// New creates the idle task (pid 0, a stable ring head) and installs its
// address space as current.
func New(frames *pmm.Allocator, vm *vmm.Manager, cpu hal.CPU, log logr.Logger) (*Scheduler, *kernerr.Error) {
	s := &Scheduler{frames: frames, vm: vm, cpu: cpu, log: log, nextPID: 1}

	dir, err := vm.CreateDirectory()
	if err != nil {
		return nil, err
	}
	stackBase, err := frames.AllocRun(idleStackFrames)
	if err != nil {
		return nil, err
	}

	top := uintptr(stackBase) + uintptr(frames.FrameSize())*idleStackFrames
	idle := &PCB{
		PID:         0,
		Name:        "idle",
		State:       Running,
		Priority:    Low,
		Dir:         dir,
		StackBase:   stackBase,
		StackFrames: idleStackFrames,
		SP:          top,
		BP:          top,
	}

	s.idle = idle
	s.current = idle
	vm.SwitchTo(dir)

	s.log.V(1).Info("scheduler initialized", "idlePID", idle.PID)
	return s, nil
}

// Current returns the presently running PCB.
func (s *Scheduler) Current() *PCB { return s.current }

// Now returns the scheduler's tick counter.
func (s *Scheduler) Now() uint64 { return s.now }

// Spawn allocates a PCB, clones the current address space, allocates a
// kernel stack, and appends the new task to the ring in the ready
// state (§4.3).
func (s *Scheduler) Spawn(name string, entry EntryFunc, arg any, priority Priority) (*PCB, *kernerr.Error) {
	dir, err := s.vm.Clone(s.current.Dir)
	if err != nil {
		return nil, err
	}

	stackBase, err := s.frames.AllocRun(taskStackFrames)
	if err != nil {
		s.vm.FreeDirectory(dir)
		return nil, err
	}

	top := uintptr(stackBase) + uintptr(s.frames.FrameSize())*taskStackFrames
	pcb := &PCB{
		PID:         s.nextPID,
		Name:        name,
		State:       Ready,
		Priority:    priority,
		Dir:         dir,
		StackBase:   stackBase,
		StackFrames: taskStackFrames,
		SP:          top,
		BP:          top,
		entry:       entry,
		arg:         arg,
	}
	s.nextPID++

	s.appendToRing(pcb)
	s.log.V(1).Info("spawned task", "pid", pcb.PID, "name", name, "priority", priority)
	return pcb, nil
}

func (s *Scheduler) appendToRing(pcb *PCB) {
	tail := s.idle
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = pcb
}

// pickNext walks the ring starting at current.next, following the same
// selection order as the original: ready tasks are taken immediately,
// a due sleeper is promoted and taken, a terminated task is reaped and
// the scan continues from its successor. Wrapping past the tail always
// lands back on the idle task.
func (s *Scheduler) pickNext() *PCB {
	start := s.current.next
	if start == nil {
		start = s.idle
	}

	prev := s.current
	next := start
	for {
		switch next.State {
		case Ready:
			return next
		case Blocked:
			if next.WakeTime != 0 && next.WakeTime <= s.now {
				next.State = Ready
				return next
			}
		case Terminated:
			successor := next.next
			if successor == nil {
				successor = s.idle
			}
			if prev != next {
				prev.next = next.next
			}
			s.reap(next)
			if next == start {
				start = successor
			}
			next = successor
			continue
		}

		prev = next
		next = next.next
		if next == nil {
			next = s.idle
		}
		if next == start {
			break
		}
	}
	return s.idle
}

func (s *Scheduler) reap(pcb *PCB) {
	s.frames.FreeRun(pcb.StackBase, pcb.StackFrames)
	if pcb.Dir != nil {
		s.vm.FreeDirectory(pcb.Dir)
	}
	s.log.V(1).Info("reaped task", "pid", pcb.PID, "name", pcb.Name, "exitCode", pcb.ExitCode)
}

// YieldNow selects the next runnable task and switches to it (§4.3).
// Selection and the switch run with interrupts disabled; on return the
// interrupt state saved on entry is restored.
func (s *Scheduler) YieldNow() {
	istate := s.cpu.SaveInterrupts()
	s.cpu.DisableInterrupts()
	defer s.cpu.RestoreInterrupts(istate)

	prevTask := s.current
	next := s.pickNext()
	if next == prevTask {
		s.cpu.EnableInterrupts()
		return
	}

	if prevTask.State == Running {
		prevTask.State = Ready
	}

	s.current = next
	next.State = Running

	if prevTask.Dir != next.Dir {
		s.vm.SwitchTo(next.Dir)
	}

	s.cpu.EnableInterrupts()
}

// Sleep marks the current task blocked until now+ms and yields.
func (s *Scheduler) Sleep(ms uint32) {
	s.current.WakeTime = s.now + uint64(ms)
	s.current.State = Blocked
	s.YieldNow()
}

// Block marks pcb blocked, yielding immediately if it is the current task.
func (s *Scheduler) Block(pcb *PCB) {
	pcb.State = Blocked
	if pcb == s.current {
		s.YieldNow()
	}
}

// Unblock promotes a blocked pcb back to ready. A no-op for any other state.
func (s *Scheduler) Unblock(pcb *PCB) {
	if pcb.State == Blocked {
		pcb.State = Ready
	}
}

// Exit marks the current task terminated with the given exit code and
// yields. Reaping happens on the next scheduler pass that visits this
// slot, so the dying task never frees its own stack.
func (s *Scheduler) Exit(code int) {
	s.current.ExitCode = code
	s.current.State = Terminated
	s.YieldNow()
}

// Terminate marks pcb terminated, yielding immediately if it is current.
func (s *Scheduler) Terminate(pcb *PCB) {
	pcb.State = Terminated
	if pcb == s.current {
		s.YieldNow()
	}
}

// Tick advances the scheduler's clock by one timer interrupt; every
// tenth tick triggers a reschedule (§4.3).
func (s *Scheduler) Tick() {
	s.now++
	if s.now%reschedulePeriod == 0 {
		s.YieldNow()
	}
}
