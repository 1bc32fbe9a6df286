package slab

import (
	"fmt"
	"unsafe"

	"vanta/internal/klog"
	"vanta/internal/mm/pmm"
)

const (
	minShift  = 3  // smallest kmalloc cache holds 8-byte objects
	maxShift  = 12 // class ladder stops below this; larger requests use page runs
	numCaches = maxShift - minShift

	// MaxSize bounds what Kmalloc will serve at all. Requests the size
	// classes cannot fit get a dedicated page run up to this ceiling;
	// anything larger fails outright.
	MaxSize = 128 * 1024
)

var (
	kmallocCaches       [numCaches]*Cache
	kmallocCachesInited bool
)

// Init wires the slab package to the physical frame allocator and brings
// up the kmalloc size-class caches. Called once, at the postcore initcall
// level, after the PMM is ready.
func Init(p frameAllocator) {
	physAlloc = p
	initKmallocCaches()
}

func initKmallocCaches() {
	if kmallocCachesInited {
		return
	}
	for i := range kmallocCaches {
		sz := uint64(1) << (minShift + i)
		kmallocCaches[i] = NewCache("kmalloc", sz, 8, nil, nil)
	}
	kmallocCachesInited = true
}

func sizeToIndex(size uint64) int {
	idx := 0
	s := uint64(1) << minShift
	for s < size && (minShift+idx) < maxShift {
		s <<= 1
		idx++
	}
	return idx
}

func cacheFor(size uint64) *Cache {
	if size > (uint64(1) << maxShift) {
		return nil
	}
	idx := sizeToIndex(size)
	if idx >= numCaches {
		return nil
	}
	return kmallocCaches[idx]
}

// largeAllocMagic tags pages kmallocLarge formats, distinguishing them
// from slab pages when Kfree inspects a page it doesn't own a Cache
// pointer for.
const largeAllocMagic uint32 = 0x1a46e4ad

// largeAllocHeader sits at the start of the first page of an oversized
// allocation, recording what Kfree needs to hand the run back.
type largeAllocHeader struct {
	tag       pageTag
	order     uint32
	firstPage *pmm.Page
}

var largeHeaderSize = uint64(unsafe.Sizeof(largeAllocHeader{}))

func orderForPages(count uint64) uint32 {
	var order uint32
	for (uint64(1) << order) < count {
		order++
	}
	return order
}

func kmallocLarge(size uint64) (unsafe.Pointer, error) {
	total := size + largeHeaderSize
	pages := (total + pmm.PageSize - 1) / pmm.PageSize
	order := orderForPages(pages)

	page, err := physAlloc.AllocPages(order)
	if err != nil {
		return nil, err
	}

	base := physAlloc.PageToVirt(page)
	hdr := (*largeAllocHeader)(base)
	hdr.tag.magic = largeAllocMagic
	hdr.order = order
	hdr.firstPage = page

	return unsafe.Pointer(uintptr(base) + uintptr(largeHeaderSize)), nil
}

func kfreeLarge(ptr unsafe.Pointer) {
	base := unsafe.Pointer(uintptr(ptr) - uintptr(largeHeaderSize))
	hdr := (*largeAllocHeader)(base)
	if hdr.tag.magic != largeAllocMagic {
		fatalf("kfree: invalid oversized allocation at %p", ptr)
		return
	}
	physAlloc.FreePages(hdr.firstPage, hdr.order)
}

// Kmalloc allocates at least size bytes of physically contiguous memory
// from the cache whose size class best fits, or from a dedicated page
// run when no class fits, up to MaxSize. The largest slab-backed class
// is 2048 bytes: a 4096-byte object cannot share a frame with its slab
// header, so the band above the last class falls through to the page-run
// path the same way sizes above a page do.
func Kmalloc(size uint64) (unsafe.Pointer, error) {
	if size == 0 {
		klog.Warnf("kmalloc: zero-size allocation")
		return nil, nil
	}
	if size > MaxSize {
		return nil, fmt.Errorf("kmalloc: requested size %d exceeds MaxSize (%d)", size, uint64(MaxSize))
	}

	if cache := cacheFor(size); cache != nil {
		return cache.Alloc()
	}
	return kmallocLarge(size)
}

// Kfree returns ptr, previously returned by Kmalloc or Kcalloc, to its
// owning cache or page run. A nil ptr is a no-op; a pointer outside the
// managed range is refused with a warning. A pointer whose page carries
// neither a valid slab header nor a large-allocation header is fatal
// corruption, as is freeing the same object twice (caught by
// Cache.Free's free-list walk).
//
// Both page layouts lead with their magic word, so each header type is
// probed at the page base and told apart by which magic it carries.
func Kfree(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	pg := physAlloc.VirtToPage(ptr)
	if pg == nil {
		klog.Warnf("kfree: %p is not a kernel heap pointer", ptr)
		return fmt.Errorf("kfree: %p is not a kernel heap pointer", ptr)
	}
	base := physAlloc.PageToVirt(pg)

	if sl := (*slab)(base); sl.tag.magic == slabMagic {
		sl.cache.Free(ptr)
		return nil
	}
	if hdr := (*largeAllocHeader)(base); hdr.tag.magic == largeAllocMagic {
		kfreeLarge(ptr)
		return nil
	}

	fatalf("kfree: invalid pointer %p or slab metadata corruption", ptr)
	return nil
}

// Kcalloc allocates an array of num elements of size bytes each,
// zero-initialized, refusing a num*size product that overflows.
func Kcalloc(num, size uint64) (unsafe.Pointer, error) {
	if num == 0 || size == 0 {
		return nil, nil
	}
	total := num * size
	if total/num != size {
		return nil, fmt.Errorf("kcalloc: overflow computing %d*%d", num, size)
	}

	ptr, err := Kmalloc(total)
	if err != nil || ptr == nil {
		return ptr, err
	}
	zeroBytes(ptr, total)
	return ptr, nil
}

func zeroBytes(ptr unsafe.Pointer, n uint64) {
	b := unsafe.Slice((*byte)(ptr), n)
	for i := range b {
		b[i] = 0
	}
}
