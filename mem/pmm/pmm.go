// Package pmm implements the physical frame allocator (§4.1): a bitmap of
// fixed-size page frames seeded from a boot-supplied memory map, with
// first-fit single and contiguous-run allocation.
//
// Grounded on rexinscfu/rexus's mem/pmm.c: one flat bitmap (no per-region
// pools), a used-frame counter kept in lockstep with the bitmap so Stats
// is O(1), and the same bring-up order (compute highest available
// address, reserve the bitmap's frames, then mark every non-available
// boot-map region and the kernel image allocated before the first client
// call). The bitmap's frames are the highest-indexed frames of the
// managed range, not frames above the highest available address.
package pmm

import (
	"github.com/go-logr/logr"

	"github.com/rexinscfu/rexus/kernerr"
)

// PhysAddr is a physical byte address.
type PhysAddr uint64

// Frame identifies a physical frame by its index in the bitmap.
type Frame uint32

// Region describes one entry from the boot memory map (§6: multiboot-style
// info, mmap field, type 1 = available).
type Region struct {
	Base      PhysAddr
	Length    uint64
	Available bool
}

// Allocator is the physical frame allocator. It is not safe for
// concurrent use without external interrupt masking (§5): callers must
// bracket mutating calls the way the scheduler brackets its own ring
// mutations.
type Allocator struct {
	frameSize    uint64
	totalFrames  uint32
	usedFrames   uint32
	bitmap       []uint64
	log          logr.Logger
}

const wordBits = 64

// New builds an allocator over the physical range implied by memMap,
// using frameSize-byte frames. The kernel image [kernelStart, kernelEnd)
// and every non-available region are pre-marked allocated, along with the
// frames the bitmap itself occupies, before New returns — matching the
// invariant in §3: "bit set ⇔ frame considered allocated ... pre-marked
// allocated before the first client call."
func New(memMap []Region, frameSize uint64, kernelStart, kernelEnd PhysAddr, log logr.Logger) (*Allocator, *kernerr.Error) {
	if frameSize == 0 {
		return nil, kernerr.New("pmm", kernerr.InvalidArgument, "frame size must be non-zero")
	}

	var highestEnd PhysAddr
	for _, r := range memMap {
		if !r.Available {
			continue
		}
		end := r.Base + PhysAddr(r.Length)
		if end > highestEnd {
			highestEnd = end
		}
	}

	totalFrames := uint32(uint64(highestEnd) / frameSize)
	if uint64(highestEnd)%frameSize != 0 {
		totalFrames++
	}
	if totalFrames == 0 {
		return nil, kernerr.New("pmm", kernerr.InvalidArgument, "no available memory regions in boot map")
	}

	words := (totalFrames + wordBits - 1) / wordBits
	a := &Allocator{
		frameSize:   frameSize,
		totalFrames: totalFrames,
		bitmap:      make([]uint64, words),
		log:         log,
	}

	// Frames occupied by the bitmap metadata itself are modeled as the
	// highest-indexed frames of the managed range (a hosted-Go stand-in
	// for "placed immediately above the highest usable region" — see
	// DESIGN.md).
	bitmapBytes := uint64(words) * 8
	bitmapFrames := uint32(bitmapBytes / frameSize)
	if bitmapBytes%frameSize != 0 {
		bitmapFrames++
	}
	for i := uint32(0); i < bitmapFrames && i < totalFrames; i++ {
		a.setBit(Frame(totalFrames - 1 - i))
	}

	// Mark every non-available boot-map region allocated.
	for _, r := range memMap {
		if r.Available {
			continue
		}
		a.markRange(r.Base, r.Length)
	}

	// Mark the kernel image allocated.
	if kernelEnd > kernelStart {
		a.markRange(kernelStart, uint64(kernelEnd-kernelStart))
	}

	a.log.V(1).Info("pmm initialized", "totalFrames", totalFrames, "frameSize", frameSize, "used", a.usedFrames)
	return a, nil
}

func (a *Allocator) markRange(base PhysAddr, length uint64) {
	startFrame := uint32(uint64(base) / a.frameSize)
	endAddr := uint64(base) + length
	endFrame := uint32(endAddr / a.frameSize)
	if endAddr%a.frameSize != 0 {
		endFrame++
	}
	for f := startFrame; f < endFrame && f < a.totalFrames; f++ {
		a.setBit(Frame(f))
	}
}

func (a *Allocator) setBit(f Frame) {
	if uint32(f) >= a.totalFrames {
		return
	}
	word, mask := f/wordBits, uint64(1)<<(f%wordBits)
	if a.bitmap[word]&mask == 0 {
		a.bitmap[word] |= mask
		a.usedFrames++
	}
}

func (a *Allocator) clearBit(f Frame) {
	if uint32(f) >= a.totalFrames {
		return
	}
	word, mask := f/wordBits, uint64(1)<<(f%wordBits)
	if a.bitmap[word]&mask != 0 {
		a.bitmap[word] &^= mask
		a.usedFrames--
	}
}

func (a *Allocator) testBit(f Frame) bool {
	if uint32(f) >= a.totalFrames {
		return true // out-of-range frames are never "free"
	}
	word, mask := f/wordBits, uint64(1)<<(f%wordBits)
	return a.bitmap[word]&mask != 0
}

// findRun returns the lowest frame index beginning a run of n consecutive
// free frames, or false if none exists (first-fit, §4.1 tie-break rule).
func (a *Allocator) findRun(n uint32) (Frame, bool) {
	if n == 0 {
		return 0, false
	}
	var runStart Frame
	var runLen uint32
	for f := Frame(0); uint32(f) < a.totalFrames; f++ {
		if a.testBit(f) {
			runLen = 0
			continue
		}
		if runLen == 0 {
			runStart = f
		}
		runLen++
		if runLen == n {
			return runStart, true
		}
	}
	return 0, false
}

func (a *Allocator) addr(f Frame) PhysAddr {
	return PhysAddr(uint64(f) * a.frameSize)
}

func (a *Allocator) frame(addr PhysAddr) Frame {
	return Frame(uint64(addr) / a.frameSize)
}

// AllocOne returns the lowest-index free frame and marks it allocated.
func (a *Allocator) AllocOne() (PhysAddr, *kernerr.Error) {
	f, ok := a.findRun(1)
	if !ok {
		return 0, kernerr.New("pmm", kernerr.ResourceExhaustion, "out of memory: no free frame")
	}
	a.setBit(f)
	return a.addr(f), nil
}

// AllocRun scans for the lowest-index run of n consecutive free frames
// (first-fit) and marks them all allocated.
func (a *Allocator) AllocRun(n uint32) (PhysAddr, *kernerr.Error) {
	f, ok := a.findRun(n)
	if !ok {
		return 0, kernerr.New("pmm", kernerr.ResourceExhaustion, "out of memory: no run of %d free frames", n)
	}
	for i := uint32(0); i < n; i++ {
		a.setBit(f + Frame(i))
	}
	return a.addr(f), nil
}

// FreeOne clears the bit for the frame containing addr. Freeing an
// address outside the bitmap, or double-freeing, is a no-op — the API is
// deliberately total so callers may free half-owned regions during
// cleanup races.
func (a *Allocator) FreeOne(addr PhysAddr) {
	a.clearBit(a.frame(addr))
}

// FreeRun clears the bits for the n frames starting at addr.
func (a *Allocator) FreeRun(addr PhysAddr, n uint32) {
	start := a.frame(addr)
	for i := uint32(0); i < n; i++ {
		a.clearBit(start + Frame(i))
	}
}

// Stats returns (total, used, free) frame counts. O(1): usedFrames is
// maintained incrementally by setBit/clearBit.
func (a *Allocator) Stats() (total, used, free uint32) {
	return a.totalFrames, a.usedFrames, a.totalFrames - a.usedFrames
}

// FrameSize returns the configured frame size in bytes.
func (a *Allocator) FrameSize() uint64 { return a.frameSize }
