// Package boot implements the multiboot-style handoff (§6): validating
// the boot magic, decoding the info structure's memory-map field into
// the pmm.Region slice the frame allocator seeds from, plus a
// file-backed memory map loader for the hosted build where no real
// bootloader hands off a byte buffer.
//
// Grounded on spec §6's boot protocol paragraph and
// rexinscfu/rexus's mem/pmm.c bring-up, which is the only consumer of
// the memory map this package produces. There is no original_source
// boot/multiboot file to ground the byte layout on — the struct below
// is the standard Multiboot Specification 0.6.96 info layout, the one
// every x86 kernel tutorial (including the teacher's) targets.
package boot

import (
	"encoding/binary"
	"encoding/json"
	"os"

	"github.com/rexinscfu/rexus/kernerr"
	"github.com/rexinscfu/rexus/mem/pmm"
)

const (
	// HeaderMagic is the value a Multiboot-compliant kernel header
	// declares so a bootloader recognizes it.
	HeaderMagic = 0x1BADB002
	// InfoMagic is the value the bootloader hands back; the core
	// validates it before trusting the info structure at all (§6).
	InfoMagic = 0x2BADB002

	flagMemoryMap = 1 << 6

	regionTypeAvailable = 1

	infoHeaderLen = 52 // flags..mmap_addr, the fixed-size prefix this build reads
)

// Info is the decoded subset of the multiboot info structure this
// kernel actually consumes.
type Info struct {
	Flags      uint32
	MemLowerKB uint32
	MemUpperKB uint32
	Regions    []pmm.Region
}

// ParseInfo validates magic and decodes data's memory-map field
// (flag bit 6) into a slice of pmm.Region (§6). data is the multiboot
// info structure followed immediately by its memory-map entries, laid
// out exactly as a real bootloader would place them in physical
// memory — in this hosted build mmap_addr is an offset into data
// itself rather than a physical address, since there is no separate
// address space to point into.
func ParseInfo(magic uint32, data []byte) (*Info, *kernerr.Error) {
	if magic != InfoMagic {
		return nil, kernerr.New("boot", kernerr.InvalidArgument, "bad multiboot magic: %#x", magic)
	}
	if len(data) < infoHeaderLen {
		return nil, kernerr.New("boot", kernerr.InvalidArgument, "info structure too short: %d bytes", len(data))
	}

	info := &Info{
		Flags:      binary.LittleEndian.Uint32(data[0:4]),
		MemLowerKB: binary.LittleEndian.Uint32(data[4:8]),
		MemUpperKB: binary.LittleEndian.Uint32(data[8:12]),
	}
	if info.Flags&flagMemoryMap == 0 {
		return nil, kernerr.New("boot", kernerr.InvalidArgument, "multiboot info carries no memory map (flags=%#x)", info.Flags)
	}

	mmapLength := binary.LittleEndian.Uint32(data[44:48])
	mmapAddr := binary.LittleEndian.Uint32(data[48:52])

	if uint64(mmapAddr)+uint64(mmapLength) > uint64(len(data)) {
		return nil, kernerr.New("boot", kernerr.InvalidArgument, "memory map extends past the info buffer")
	}

	mmap := data[mmapAddr : mmapAddr+mmapLength]
	for len(mmap) > 0 {
		if len(mmap) < 4 {
			return nil, kernerr.New("boot", kernerr.ProtocolViolation, "truncated memory-map entry")
		}
		entrySize := binary.LittleEndian.Uint32(mmap[0:4])
		if entrySize < 20 || uint64(entrySize)+4 > uint64(len(mmap)) {
			return nil, kernerr.New("boot", kernerr.ProtocolViolation, "malformed memory-map entry size %d", entrySize)
		}
		entry := mmap[4 : 4+entrySize]

		base := binary.LittleEndian.Uint64(entry[0:8])
		length := binary.LittleEndian.Uint64(entry[8:16])
		regionType := binary.LittleEndian.Uint32(entry[16:20])

		info.Regions = append(info.Regions, pmm.Region{
			Base:      pmm.PhysAddr(base),
			Length:    length,
			Available: regionType == regionTypeAvailable,
		})

		mmap = mmap[4+entrySize:]
	}

	return info, nil
}

// fileRegion is the JSON-friendly shape of a memory map entry, for the
// hosted build's file-backed memory map source (no real bootloader
// exists to hand one off).
type fileRegion struct {
	Base      uint64 `json:"base"`
	Length    uint64 `json:"length"`
	Available bool   `json:"available"`
}

// LoadRegionsFile reads a JSON array of {base, length, available}
// entries from path, the hosted-build equivalent of a bootloader's
// memory map (§6) threaded into cmd/kernel's --memory-map flag.
func LoadRegionsFile(path string) ([]pmm.Region, *kernerr.Error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kernerr.New("boot", kernerr.InvalidArgument, "reading memory map %s: %v", path, err)
	}

	var raw []fileRegion
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, kernerr.New("boot", kernerr.ProtocolViolation, "decoding memory map %s: %v", path, err)
	}

	regions := make([]pmm.Region, len(raw))
	for i, r := range raw {
		regions[i] = pmm.Region{Base: pmm.PhysAddr(r.Base), Length: r.Length, Available: r.Available}
	}
	return regions, nil
}
