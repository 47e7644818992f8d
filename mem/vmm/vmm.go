// Package vmm implements the two-level address space manager (§4.2): per
// address space page directories/tables, identity and higher-half
// mappings, TLB coherence, and copy-on-clone duplication.
//
// Grounded on rexinscfu/rexus's mem/vmm.c: a 1024-entry directory of
// 1024-entry tables, kernel-half entries (index ≥ 768) shared by value
// across every address space, user-half tables deep-copied with
// writable pages eagerly duplicated on Clone. The page-table-entry flag
// word is packed with the bitfield package (adapted from the teacher's
// PageFlags) instead of hand-rolled shifts.
package vmm

import (
	"github.com/go-logr/logr"

	"github.com/rexinscfu/rexus/bitfield"
	"github.com/rexinscfu/rexus/hal"
	"github.com/rexinscfu/rexus/kernerr"
	"github.com/rexinscfu/rexus/mem/pmm"
)

const (
	dirEntries    = 1024
	tableEntries  = 1024
	kernelHalfIdx = 768 // directory indices ≥ this are the shared kernel half

	pageSize    = 4096
	dirShift    = 22
	tableShift  = 12
	indexMask   = 0x3FF
	offsetMask  = 0xFFF
)

// VirtAddr is a 32-bit virtual address, decomposed as (dir:10 | table:10 | offset:12).
type VirtAddr uint32

// PhysAddr is a physical byte address, shared with pmm.
type PhysAddr = pmm.PhysAddr

// Flags carries the per-entry access bits from §3: present, writable,
// user, write-through, cache-disable, accessed, dirty, page-size, global.
type Flags struct {
	Present      bool   `bitfield:",1"`
	Writable     bool   `bitfield:",1"`
	User         bool   `bitfield:",1"`
	WriteThrough bool   `bitfield:",1"`
	CacheDisable bool   `bitfield:",1"`
	Accessed     bool   `bitfield:",1"`
	Dirty        bool   `bitfield:",1"`
	PageSize4M   bool   `bitfield:",1"`
	Global       bool   `bitfield:",1"`
	Reserved     uint32 `bitfield:",23"`
}

// Pack returns the hardware-style flag word for f.
func (f Flags) Pack() uint32 {
	packed, err := bitfield.Pack(&f, &bitfield.Config{NumBits: 32})
	if err != nil {
		// Flags is a fixed, well-formed struct; a packing error here
		// would mean a programming mistake, not a runtime condition.
		panic(err)
	}
	return uint32(packed)
}

// dirIndex, tableIndex and offset decompose a virtual address (§4.2).
func dirIndex(v VirtAddr) int   { return int((v >> dirShift) & indexMask) }
func tableIndex(v VirtAddr) int { return int((v >> tableShift) & indexMask) }

func alignDownFrame(v uint64) uint64 { return v &^ (pageSize - 1) }
func alignUpFrame(v uint64) uint64   { return (v + pageSize - 1) &^ (pageSize - 1) }

type tableEntry struct {
	present bool
	frame   PhysAddr
	flags   Flags
}

// table is a second-level page table (1024 entries, each mapping 4 KiB).
type table struct {
	entries [tableEntries]tableEntry
}

type dirEntry struct {
	present   bool
	tableAddr PhysAddr
	flags     Flags
}

// Directory is a page directory: 1024 first-level entries, each empty or
// referring to a second-level table.
type Directory struct {
	id      PhysAddr // bookkeeping address from the frame allocator
	entries [dirEntries]dirEntry
}

// ID returns the directory's bookkeeping physical address — the value
// that would be loaded into the MMU's root-pointer register.
func (d *Directory) ID() PhysAddr { return d.id }

// ErrUnmapped is returned by Translate when the virtual address has no
// mapping, mirroring the original's sentinel "Unmapped" return.
var ErrUnmapped = kernerr.New("vmm", kernerr.InvalidArgument, "unmapped")

// FaultInfo describes a decoded page fault (§4.2, §6): the faulting
// address plus the decomposed error code.
type FaultInfo struct {
	Addr             VirtAddr
	Present, RW      bool
	User, Reserved   bool
}

// Manager owns every live address space and the simulated physical page
// content backing them. It is not safe for concurrent use without
// external interrupt masking (§5), matching the frame allocator.
type Manager struct {
	frames *pmm.Allocator
	cpu    hal.CPU
	log    logr.Logger

	tables  map[PhysAddr]*table
	dirs    map[PhysAddr]*Directory
	current *Directory

	// pageData simulates physical frame content: in a hosted Go build
	// there is no real physical address space to dereference, so
	// Clone's deep-copy semantics (§4.2) are exercised against this map
	// instead. Keyed by frame-aligned physical address.
	pageData map[PhysAddr][]byte
}

// NewManager constructs a Manager drawing frames from frames and driving
// TLB/MMU operations through cpu.
func NewManager(frames *pmm.Allocator, cpu hal.CPU, log logr.Logger) *Manager {
	return &Manager{
		frames:   frames,
		cpu:      cpu,
		log:      log,
		tables:   make(map[PhysAddr]*table),
		dirs:     make(map[PhysAddr]*Directory),
		pageData: make(map[PhysAddr][]byte),
	}
}

func (m *Manager) frameBuf(addr PhysAddr) []byte {
	addr = PhysAddr(alignDownFrame(uint64(addr)))
	buf, ok := m.pageData[addr]
	if !ok {
		buf = make([]byte, m.frames.FrameSize())
		m.pageData[addr] = buf
	}
	return buf
}

// CreateDirectory allocates a fresh, empty page directory.
func (m *Manager) CreateDirectory() (*Directory, *kernerr.Error) {
	id, err := m.frames.AllocOne()
	if err != nil {
		return nil, err
	}
	d := &Directory{id: id}
	m.dirs[id] = d
	return d, nil
}

// getTable returns the second-level table for directory index idx,
// allocating one from the frame allocator if allocate is true and none
// exists.
func (m *Manager) getTable(dir *Directory, idx int, allocate bool) (*table, *kernerr.Error) {
	de := dir.entries[idx]
	if de.present {
		return m.tables[de.tableAddr], nil
	}
	if !allocate {
		return nil, nil
	}

	addr, err := m.frames.AllocOne()
	if err != nil {
		return nil, err
	}
	t := &table{}
	m.tables[addr] = t
	dir.entries[idx] = dirEntry{
		present:   true,
		tableAddr: addr,
		flags:     Flags{Present: true, Writable: true, User: true},
	}
	return t, nil
}

// Map aligns phys and virt down to a frame boundary, obtains (allocating
// if necessary) the relevant second-level table, and writes the entry.
func (m *Manager) Map(dir *Directory, phys PhysAddr, virt VirtAddr, flags Flags) *kernerr.Error {
	phys = PhysAddr(alignDownFrame(uint64(phys)))
	virt = VirtAddr(alignDownFrame(uint64(virt)))

	t, err := m.getTable(dir, dirIndex(virt), true)
	if err != nil {
		return err
	}
	t.entries[tableIndex(virt)] = tableEntry{present: true, frame: phys, flags: flags}

	if dir == m.current {
		m.cpu.FlushTLBEntry(uintptr(virt))
	}
	return nil
}

// Unmap clears the entry for virt, if any.
func (m *Manager) Unmap(dir *Directory, virt VirtAddr) *kernerr.Error {
	virt = VirtAddr(alignDownFrame(uint64(virt)))
	t, err := m.getTable(dir, dirIndex(virt), false)
	if err != nil {
		return err
	}
	if t == nil {
		return kernerr.New("vmm", kernerr.InvalidArgument, "unmap: no table for %#x", virt)
	}
	t.entries[tableIndex(virt)] = tableEntry{}

	if dir == m.current {
		m.cpu.FlushTLBEntry(uintptr(virt))
	}
	return nil
}

// Translate returns the physical address virt currently maps to, or
// ErrUnmapped.
func (m *Manager) Translate(dir *Directory, virt VirtAddr) (PhysAddr, *kernerr.Error) {
	offset := PhysAddr(virt & offsetMask)
	aligned := VirtAddr(alignDownFrame(uint64(virt)))

	t, err := m.getTable(dir, dirIndex(aligned), false)
	if err != nil {
		return 0, err
	}
	if t == nil {
		return 0, ErrUnmapped
	}
	e := t.entries[tableIndex(aligned)]
	if !e.present {
		return 0, ErrUnmapped
	}
	return e.frame + offset, nil
}

// IdentityMap maps each frame-aligned virtual address in [start, end) to
// its numerically-equal physical address.
func (m *Manager) IdentityMap(dir *Directory, start, end VirtAddr, flags Flags) *kernerr.Error {
	s := alignDownFrame(uint64(start))
	e := alignUpFrame(uint64(end))
	for addr := s; addr < e; addr += pageSize {
		if err := m.Map(dir, PhysAddr(addr), VirtAddr(addr), flags); err != nil {
			return err
		}
	}
	return nil
}

// SwitchTo installs dir as the current address space and loads it into
// the MMU's root-pointer register via the HAL.
func (m *Manager) SwitchTo(dir *Directory) {
	m.current = dir
	m.cpu.LoadPageDirectory(uintptr(dir.id))
}

// Current returns the currently installed directory, or nil.
func (m *Manager) Current() *Directory { return m.current }

// WriteBytes writes data into the page(s) backing [virt, virt+len(data))
// in dir's address space — a software stand-in for a real memcpy against
// physical memory, used to make Clone's deep-copy semantics observable.
func (m *Manager) WriteBytes(dir *Directory, virt VirtAddr, data []byte) *kernerr.Error {
	phys, err := m.Translate(dir, virt)
	if err != nil {
		return err
	}
	buf := m.frameBuf(PhysAddr(alignDownFrame(uint64(phys))))
	off := int(phys) % pageSize
	copy(buf[off:], data)
	return nil
}

// ReadBytes is the read counterpart of WriteBytes.
func (m *Manager) ReadBytes(dir *Directory, virt VirtAddr, n int) ([]byte, *kernerr.Error) {
	phys, err := m.Translate(dir, virt)
	if err != nil {
		return nil, err
	}
	buf := m.frameBuf(PhysAddr(alignDownFrame(uint64(phys))))
	off := int(phys) % pageSize
	out := make([]byte, n)
	copy(out, buf[off:off+n])
	return out, nil
}

// Clone creates a new directory: kernel-half entries (index ≥ 768) are
// copied by value so the underlying table is shared; for each lower
// entry a new table is allocated and populated by walking the source —
// writable entries are eagerly deep-copied, non-writable entries shared
// by reference. Failure at any point rolls back the partially-built
// directory.
func (m *Manager) Clone(src *Directory) (*Directory, *kernerr.Error) {
	dst, err := m.CreateDirectory()
	if err != nil {
		return nil, err
	}

	for i := 0; i < dirEntries; i++ {
		if !src.entries[i].present {
			continue
		}

		if i >= kernelHalfIdx {
			dst.entries[i] = src.entries[i]
			continue
		}

		srcTable := m.tables[src.entries[i].tableAddr]
		dstTable, terr := m.getTable(dst, i, true)
		if terr != nil {
			m.FreeDirectory(dst)
			return nil, terr
		}

		for j := 0; j < tableEntries; j++ {
			se := srcTable.entries[j]
			if !se.present {
				continue
			}

			if se.flags.Writable {
				newFrame, ferr := m.frames.AllocOne()
				if ferr != nil {
					m.FreeDirectory(dst)
					return nil, ferr
				}
				copy(m.frameBuf(newFrame), m.frameBuf(se.frame))
				dstTable.entries[j] = tableEntry{present: true, frame: newFrame, flags: se.flags}
			} else {
				dstTable.entries[j] = se
			}
		}
	}

	return dst, nil
}

// FreeDirectory releases every user-half table the directory owns (but
// not the underlying page frames those tables reference — that
// ownership is the caller's, e.g. the scheduler freeing a process's
// heap) and the directory's own bookkeeping frame. Kernel-half tables
// are shared and are never freed here.
func (m *Manager) FreeDirectory(dir *Directory) {
	for i := 0; i < kernelHalfIdx; i++ {
		de := dir.entries[i]
		if !de.present {
			continue
		}
		delete(m.tables, de.tableAddr)
		m.frames.FreeOne(de.tableAddr)
	}

	delete(m.dirs, dir.id)
	m.frames.FreeOne(dir.id)
}

// HandlePageFault is the contract point an architecture's exception
// trampoline calls into after decoding the fault register (§4.2): copy-
// on-write is not implemented in this version, so any fault reaching
// here is unrecoverable — log a diagnostic and halt.
func (m *Manager) HandlePageFault(info FaultInfo) {
	m.log.Error(kernerr.New("vmm", kernerr.Fatal, "page fault"), "unrecoverable page fault",
		"addr", info.Addr, "present", info.Present, "rw", info.RW, "user", info.User, "reserved", info.Reserved)
	m.cpu.Halt()
}
