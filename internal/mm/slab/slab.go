// Package slab implements the kmem_cache object allocator: per-size
// caches of single-frame slabs, each frame carrying its header at
// offset 0 followed by the object slots. Free objects chain through
// their own first bytes, so the allocator never allocates bookkeeping
// for itself.
//
// The page layer is reached through the frameAllocator interface rather
// than a concrete *pmm.PMM, so a test can hand a cache a fake backed by
// ordinary Go memory instead of HHDM-mapped physical pages that only
// exist once the kernel has actually booted.
//
// Like pmm, this package takes no lock of its own; callers serialize
// access at a higher level.
package slab

import (
	"fmt"
	"unsafe"

	kpanic "vanta/internal/panic"

	"vanta/internal/mm/pmm"
	"vanta/internal/mm/slab/intrusive"
)

// frameAllocator is the subset of *pmm.PMM the slab layer depends on.
type frameAllocator interface {
	AllocPages(order uint32) (*pmm.Page, error)
	FreePages(page *pmm.Page, order uint32) error
	PageToVirt(page *pmm.Page) unsafe.Pointer
	VirtToPage(v unsafe.Pointer) *pmm.Page
}

var physAlloc frameAllocator

// fatalf is the unrecoverable-corruption path, kpanic.Panic in the
// kernel: a mismatched slab magic, a double free, or a destroy with live
// objects means heap state can no longer be trusted. A variable so tests
// can intercept the call instead of halting the test binary.
var fatalf func(format string, args ...any) = kpanic.Panic

// pageTag carries the magic word identifying what kind of structure a
// page holds, letting kfree tell a slab-backed allocation apart from a
// large allocation without needing a side table. Both the slab header
// and the large-allocation header lead with it, so the first word of
// either kind of page is its magic.
type pageTag struct {
	magic uint32
}

const slabMagic uint32 = 0x51ab51ab

// Cache is a kmem_cache: a pool of same-sized, same-aligned objects
// backed by a list of single-page slabs.
type Cache struct {
	name  string
	size  uint64
	align uint64
	ctor  func(unsafe.Pointer)
	dtor  func(unsafe.Pointer)

	partial, full, free intrusive.List
	nrFreeSlabs         uint32
}

// slab is the per-page header createSlab writes at the start of every
// page it carves into objects.
type slab struct {
	tag      pageTag
	node     intrusive.Node
	cache    *Cache
	inuse    uint16
	total    uint16
	freeList unsafe.Pointer
	page     *pmm.Page
}

func listToSlab(n *intrusive.Node) *slab {
	if n == nil {
		return nil
	}
	return (*slab)(unsafe.Pointer(uintptr(unsafe.Pointer(n)) - unsafe.Offsetof(slab{}.node)))
}

func slabNode(sl *slab) *intrusive.Node {
	return &sl.node
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func objSetNext(obj, next unsafe.Pointer) {
	*(*unsafe.Pointer)(obj) = next
}

func objGetNext(obj unsafe.Pointer) unsafe.Pointer {
	return *(*unsafe.Pointer)(obj)
}

// NewCache creates a cache of objects of the given size and alignment.
// align of 0 defaults to the machine word size. ctor, if non-nil, runs on
// every freshly allocated object before Alloc returns it; dtor, if
// non-nil, runs on every object just before it returns to the free list.
func NewCache(name string, size, align uint64, ctor, dtor func(unsafe.Pointer)) *Cache {
	if align == 0 {
		align = 8
	}
	c := &Cache{
		name:  name,
		size:  alignUp(size, align),
		align: align,
		ctor:  ctor,
		dtor:  dtor,
	}
	c.partial.Init()
	c.full.Init()
	c.free.Init()
	return c
}

func (c *Cache) slabListFirst(l *intrusive.List) *slab {
	return listToSlab(l.Front())
}

// createSlab allocates a fresh page and formats it as a slab: a header
// followed by as many cache.size objects as fit, each linked onto the new
// slab's free list.
func (c *Cache) createSlab() (*slab, error) {
	page, err := physAlloc.AllocPages(0)
	if err != nil {
		return nil, err
	}

	base := physAlloc.PageToVirt(page)
	sl := (*slab)(base)
	sl.tag.magic = slabMagic
	sl.cache = c
	sl.page = page
	sl.inuse = 0
	sl.freeList = nil

	cursor := alignUp(uint64(uintptr(base))+uint64(unsafe.Sizeof(slab{})), c.align)
	end := uint64(uintptr(base)) + pmm.PageSize

	var count uint16
	for cursor+c.size <= end {
		obj := unsafe.Pointer(uintptr(cursor))
		objSetNext(obj, sl.freeList)
		sl.freeList = obj
		count++
		cursor += c.size
	}

	sl.total = count
	if count == 0 {
		physAlloc.FreePages(page, 0)
		return nil, fmt.Errorf("slab: object size %d too large for a page", c.size)
	}
	return sl, nil
}

func (c *Cache) releaseSlab(sl *slab) {
	if sl.tag.magic != slabMagic {
		fatalf("slab: release of slab %p with invalid magic", unsafe.Pointer(sl))
		return
	}
	physAlloc.FreePages(sl.page, 0)
}

// Alloc returns one object from the cache, creating a new backing slab
// when every existing one is full. Selection order: a partial slab
// first, then a free one, then a fresh frame.
func (c *Cache) Alloc() (unsafe.Pointer, error) {
	var sl *slab
	fromFree := false
	if !c.partial.Empty() {
		sl = c.slabListFirst(&c.partial)
	} else if !c.free.Empty() {
		sl = c.slabListFirst(&c.free)
		fromFree = true
	} else {
		var err error
		sl, err = c.createSlab()
		if err != nil {
			return nil, err
		}
		c.free.PushFront(slabNode(sl))
		c.nrFreeSlabs++
		fromFree = true
	}

	obj := sl.freeList
	sl.freeList = objGetNext(obj)
	sl.inuse++

	if sl.inuse == sl.total { // partial/free -> full
		intrusive.Remove(slabNode(sl))
		c.full.PushFront(slabNode(sl))
	} else if fromFree { // free -> partial
		intrusive.Remove(slabNode(sl))
		c.partial.PushFront(slabNode(sl))
	}
	if fromFree {
		c.nrFreeSlabs--
	}

	if c.ctor != nil {
		c.ctor(obj)
	}
	return obj, nil
}

func (c *Cache) tryReclaim() {
	for c.nrFreeSlabs > 1 && !c.free.Empty() {
		victim := c.slabListFirst(&c.free)
		intrusive.Remove(slabNode(victim))
		c.releaseSlab(victim)
		c.nrFreeSlabs--
	}
}

// Free returns obj to the cache that owns it. A nil obj is a no-op. An
// obj whose slab header doesn't belong to c, or that is already on its
// slab's free list, is fatal corruption.
func (c *Cache) Free(obj unsafe.Pointer) {
	if obj == nil {
		return
	}

	pg := physAlloc.VirtToPage(obj)
	sl := (*slab)(physAlloc.PageToVirt(pg))

	if sl.tag.magic != slabMagic || sl.cache != c {
		fatalf("slab: invalid free of %p", obj)
		return
	}

	for free := sl.freeList; free != nil; free = objGetNext(free) {
		if free == obj {
			fatalf("slab: double free of %p", obj)
			return
		}
	}

	if c.dtor != nil {
		c.dtor(obj)
	}

	objSetNext(obj, sl.freeList)
	sl.freeList = obj

	if sl.inuse == sl.total { // full -> partial
		intrusive.Remove(slabNode(sl))
		c.partial.PushFront(slabNode(sl))
	}

	sl.inuse--

	if sl.inuse == 0 { // -> free
		intrusive.Remove(slabNode(sl))
		c.free.PushFront(slabNode(sl))
		c.nrFreeSlabs++
		c.tryReclaim()
	}
}

// Destroy releases every free slab in the cache back to the page
// allocator. Destroying a cache with objects still allocated is fatal:
// those objects' owners still hold pointers into pages about to be
// recycled, and nothing downstream can recover from that.
func (c *Cache) Destroy() {
	if !c.partial.Empty() || !c.full.Empty() {
		fatalf("slab: destroy of cache %s with objects still in use", c.name)
		return
	}
	for !c.free.Empty() {
		sl := c.slabListFirst(&c.free)
		intrusive.Remove(slabNode(sl))
		c.releaseSlab(sl)
	}
	c.nrFreeSlabs = 0
}
