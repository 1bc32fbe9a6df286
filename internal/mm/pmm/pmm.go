// Package pmm implements the physical frame (page) allocator: a bitmap
// over page frame numbers plus a parallel `Page` back-array.
//
// The allocator's own bookkeeping has nowhere to live before the
// allocator exists, so New carves it out of the memory it is about to
// manage: the first usable region past the kernel image with room for
// the bitmap plus the back-array becomes the metadata block, mapped
// through the bootloader's HHDM window and reserved in the bitmap it
// holds.
//
// No lock here: every call site runs with interrupts already disabled
// or during single-threaded boot.
package pmm

import (
	"fmt"
	"unsafe"

	"vanta/internal/boot/limine"
	"vanta/internal/klog"
)

const (
	PageSize  = 0x1000
	PageShift = 12
)

// Page is the per-frame metadata entry. One exists for every PFN in
// [0, maxPFN); ownership of the frame it names moves to whoever
// AllocPages returned it to.
type Page struct {
	PFN uint64
}

var pageEntrySize = uint64(unsafe.Sizeof(Page{}))

// PMM is a bitmap-backed physical frame allocator over [0, maxPFN).
// bitmap and memMap alias the metadata block inside managed physical
// memory, reached through the HHDM offset.
type PMM struct {
	bitmap []uint64
	memMap []Page

	maxPFN     uint64
	nrFree     uint64
	hhdmOffset uint64

	metadataPhys uint64
	metadataSize uint64
	kernelEnd    uint64
}

// New computes max_pfn from the usable and bootloader-reclaimable
// regions, locates the kernel image end, places the allocator metadata
// in the first usable hole past it, then reserves everything that must
// never be handed out: non-usable regions, the kernel image, and the
// metadata block itself.
//
// kernelLoadAddr is the kernel's physical load address;
// fallbackKernelEnd is the linker-symbol-derived image end used (with a
// warning) when no KERNEL_AND_MODULES region covers kernelLoadAddr.
func New(memmap *limine.MemmapResponse, kernelLoadAddr, fallbackKernelEnd, hhdmOffset uint64) (*PMM, error) {
	var maxPFN uint64
	for _, e := range memmap.Entries {
		if e.Type == limine.MemmapUsable || e.Type == limine.MemmapBootloaderReclaimable {
			endPFN := (e.Base + e.Length + PageSize - 1) >> PageShift
			if endPFN > maxPFN {
				maxPFN = endPFN
			}
		}
	}
	if maxPFN == 0 {
		return nil, fmt.Errorf("pmm: no usable memory found")
	}

	kernelEnd := kernelImageEnd(memmap, kernelLoadAddr, fallbackKernelEnd)

	// The back-array wants natural alignment, so round the bitmap's
	// byte count up to a word boundary before appending it.
	bitmapWords := (maxPFN + 63) / 64
	bitmapSize := bitmapWords * 8
	memMapSize := maxPFN * pageEntrySize
	metadataSize := bitmapSize + memMapSize

	metadataPhys := findMetadataLocation(memmap, kernelEnd, metadataSize)
	if metadataPhys == 0 {
		return nil, fmt.Errorf("pmm: no usable region can hold %d bytes of allocator metadata", metadataSize)
	}

	p := &PMM{
		maxPFN:       maxPFN,
		hhdmOffset:   hhdmOffset,
		metadataPhys: metadataPhys,
		metadataSize: metadataSize,
		kernelEnd:    kernelEnd,
	}
	p.bitmap = unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(hhdmOffset+metadataPhys))), bitmapWords)
	p.memMap = unsafe.Slice((*Page)(unsafe.Pointer(uintptr(hhdmOffset+metadataPhys+bitmapSize))), maxPFN)

	for i := range p.bitmap {
		p.bitmap[i] = 0
	}
	for i := range p.memMap {
		p.memMap[i].PFN = uint64(i)
	}

	p.reserveSystemPages(memmap, kernelLoadAddr, kernelEnd)

	klog.Debugf("pmm: %d pages managed, %d free, metadata at 0x%x (%d bytes)",
		maxPFN, p.nrFree, metadataPhys, metadataSize)
	return p, nil
}

// kernelImageEnd finds where the kernel image ends in physical memory,
// preferring the bootloader's KERNEL_AND_MODULES region covering the
// load address over the linker-symbol fallback.
func kernelImageEnd(memmap *limine.MemmapResponse, kernelLoadAddr, fallbackKernelEnd uint64) uint64 {
	kernelEnd := uint64(0)
	for _, e := range memmap.Entries {
		if e.Type != limine.MemmapKernelAndModules {
			continue
		}
		if e.Base <= kernelLoadAddr && e.Base+e.Length > kernelLoadAddr {
			kernelEnd = e.Base + e.Length
			break
		}
	}
	if kernelEnd == 0 {
		kernelEnd = fallbackKernelEnd
		klog.Warnf("pmm: using linker symbols for kernel end")
	}
	return (kernelEnd + PageSize - 1) &^ (PageSize - 1)
}

// findMetadataLocation returns the first page-aligned physical address
// past kernelEnd inside a usable region with requiredSize contiguous
// bytes, or 0 when no region fits.
func findMetadataLocation(memmap *limine.MemmapResponse, kernelEnd, requiredSize uint64) uint64 {
	for _, e := range memmap.Entries {
		if e.Type != limine.MemmapUsable {
			continue
		}

		regionStart := e.Base
		regionEnd := e.Base + e.Length
		if regionStart < kernelEnd {
			regionStart = kernelEnd
		}
		regionStart = (regionStart + PageSize - 1) &^ (PageSize - 1)

		if regionStart < regionEnd && regionEnd-regionStart >= requiredSize {
			return regionStart
		}
	}
	return 0
}

func (p *PMM) setBit(pfn uint64) {
	if pfn >= p.maxPFN {
		return
	}
	p.bitmap[pfn>>6] |= 1 << (pfn & 63)
}

func (p *PMM) clearBit(pfn uint64) {
	if pfn >= p.maxPFN {
		return
	}
	p.bitmap[pfn>>6] &^= 1 << (pfn & 63)
}

// testBit reports whether pfn is in use. Out-of-range frames count as
// in use, so nothing past the managed range ever looks allocatable.
func (p *PMM) testBit(pfn uint64) bool {
	if pfn >= p.maxPFN {
		return true
	}
	return p.bitmap[pfn>>6]&(1<<(pfn&63)) != 0
}

// firstFit scans for the first run of count consecutive free frames,
// returning its starting PFN, or -1 if none exists.
func (p *PMM) firstFit(count uint64) int64 {
	if count == 0 {
		return -1
	}
	var consecutive, start uint64
	for pfn := uint64(0); pfn < p.maxPFN; pfn++ {
		if !p.testBit(pfn) {
			if consecutive == 0 {
				start = pfn
			}
			consecutive++
			if consecutive == count {
				return int64(start)
			}
		} else {
			consecutive = 0
		}
	}
	return -1
}

func (p *PMM) markPagesInUse(startPFN, count uint64) {
	for i := uint64(0); i < count; i++ {
		p.setBit(startPFN + i)
		p.nrFree--
	}
}

func (p *PMM) markPagesFree(startPFN, count uint64) {
	for i := uint64(0); i < count; i++ {
		if p.testBit(startPFN + i) {
			p.clearBit(startPFN + i)
			p.nrFree++
		}
	}
}

// reserveSystemPages marks everything that must never be allocated:
// frames outside usable/reclaimable regions, the kernel image, and the
// metadata block holding the bitmap and back-array.
func (p *PMM) reserveSystemPages(memmap *limine.MemmapResponse, kernelLoadAddr, kernelEnd uint64) {
	for pfn := uint64(0); pfn < p.maxPFN; pfn++ {
		p.setBit(pfn)
	}

	for _, e := range memmap.Entries {
		if e.Type != limine.MemmapUsable && e.Type != limine.MemmapBootloaderReclaimable {
			continue
		}
		startPFN := e.Base >> PageShift
		endPFN := (e.Base + e.Length) >> PageShift
		for pfn := startPFN; pfn < endPFN && pfn < p.maxPFN; pfn++ {
			p.clearBit(pfn)
		}
	}

	p.nrFree = 0
	for pfn := uint64(0); pfn < p.maxPFN; pfn++ {
		if !p.testBit(pfn) {
			p.nrFree++
		}
	}

	kernelStartPFN := kernelLoadAddr >> PageShift
	kernelEndPFN := kernelEnd >> PageShift
	for pfn := kernelStartPFN; pfn < kernelEndPFN; pfn++ {
		if !p.testBit(pfn) {
			p.setBit(pfn)
			p.nrFree--
		}
	}

	metadataStartPFN := p.metadataPhys >> PageShift
	metadataPages := (p.metadataSize + PageSize - 1) >> PageShift
	for i := uint64(0); i < metadataPages; i++ {
		pfn := metadataStartPFN + i
		if !p.testBit(pfn) {
			p.setBit(pfn)
			p.nrFree--
		}
	}
}

// AllocPages allocates 2^order contiguous frames, returning the Page
// entry for the first one, or an error if the allocator has not enough
// free frames or no contiguous run of the requested size.
func (p *PMM) AllocPages(order uint32) (*Page, error) {
	count := uint64(1) << order
	if p.nrFree < count {
		return nil, fmt.Errorf("pmm: out of memory (need %d pages, have %d)", count, p.nrFree)
	}

	start := p.firstFit(count)
	if start < 0 {
		return nil, fmt.Errorf("pmm: cannot find %d contiguous pages", count)
	}

	p.markPagesInUse(uint64(start), count)
	return &p.memMap[start], nil
}

// FreePages releases 2^order frames starting at page. Detects double
// frees by checking every frame is currently marked in-use before
// clearing any of them, and refuses an out-of-range page outright.
func (p *PMM) FreePages(page *Page, order uint32) error {
	if page == nil {
		return nil
	}

	count := uint64(1) << order
	startPFN := page.PFN

	if startPFN >= p.maxPFN {
		return fmt.Errorf("pmm: invalid page frame number %#x", startPFN)
	}

	for i := uint64(0); i < count; i++ {
		if !p.testBit(startPFN + i) {
			return fmt.Errorf("pmm: double free detected at PFN %#x", startPFN+i)
		}
	}

	p.markPagesFree(startPFN, count)
	return nil
}

// PageToPhys returns the physical address of the start of page.
func (p *PMM) PageToPhys(page *Page) uint64 {
	if page == nil {
		return 0
	}
	return page.PFN << PageShift
}

// PhysToPage returns the Page entry covering phys, or nil if phys falls
// outside the managed range.
func (p *PMM) PhysToPage(phys uint64) *Page {
	pfn := phys >> PageShift
	if pfn >= p.maxPFN {
		return nil
	}
	return &p.memMap[pfn]
}

// PageToVirt returns the HHDM-mapped kernel virtual address backing page,
// the address slab.go writes object data through.
func (p *PMM) PageToVirt(page *Page) unsafe.Pointer {
	return unsafe.Pointer(uintptr(p.PageToPhys(page) + p.hhdmOffset))
}

// VirtToPage is the inverse of PageToVirt: it returns the Page covering
// the HHDM-mapped address v, or nil if v falls outside the managed range
// or below the HHDM offset.
func (p *PMM) VirtToPage(v unsafe.Pointer) *Page {
	addr := uint64(uintptr(v))
	if addr < p.hhdmOffset {
		return nil
	}
	return p.PhysToPage(addr - p.hhdmOffset)
}

// MetadataEnd returns the first physical address past the allocator's
// own bitmap and back-array block.
func (p *PMM) MetadataEnd() uint64 {
	return p.metadataPhys + p.metadataSize
}

// TotalBytes, FreeBytes and UsedBytes report the allocator's
// bookkeeping in bytes.
func (p *PMM) TotalBytes() uint64 { return p.maxPFN << PageShift }
func (p *PMM) FreeBytes() uint64  { return p.nrFree << PageShift }
func (p *PMM) UsedBytes() uint64  { return (p.maxPFN - p.nrFree) << PageShift }
