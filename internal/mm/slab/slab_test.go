package slab

import (
	"testing"
	"unsafe"

	"vanta/internal/mm/pmm"
)

// fakeAllocator backs pages with ordinary Go memory instead of HHDM
// physical addresses, so Cache.Alloc/Free can be exercised without a
// booted kernel: the pointers they read and write are real, GC-rooted Go
// heap memory, not addresses that only mean something once paging is set
// up.
type fakeAllocator struct {
	pages map[uint64][]byte
	next  uint64
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{pages: make(map[uint64][]byte)}
}

func (f *fakeAllocator) AllocPages(order uint32) (*pmm.Page, error) {
	count := uint64(1) << order
	pfn := f.next
	f.next += count
	buf := make([]byte, count*pmm.PageSize)
	f.pages[pfn] = buf
	return &pmm.Page{PFN: pfn}, nil
}

func (f *fakeAllocator) FreePages(page *pmm.Page, order uint32) error {
	delete(f.pages, page.PFN)
	return nil
}

func (f *fakeAllocator) PageToVirt(page *pmm.Page) unsafe.Pointer {
	buf := f.pages[page.PFN]
	return unsafe.Pointer(&buf[0])
}

func (f *fakeAllocator) VirtToPage(v unsafe.Pointer) *pmm.Page {
	addr := uintptr(v)
	for pfn, buf := range f.pages {
		start := uintptr(unsafe.Pointer(&buf[0]))
		if addr >= start && addr < start+uintptr(len(buf)) {
			return &pmm.Page{PFN: pfn}
		}
	}
	return nil
}

func withFakeAllocator(t *testing.T) *fakeAllocator {
	t.Helper()
	f := newFakeAllocator()
	physAlloc = f
	t.Cleanup(func() { physAlloc = nil })
	return f
}

// fatalSentinel is what the intercepted fatalf panics with, so a test
// can tell the corruption path fired from any other panic.
type fatalSentinel struct{ msg string }

// interceptFatal replaces the kernel's never-returning fatal path with a
// Go panic the test can recover, restoring it afterwards.
func interceptFatal(t *testing.T) {
	t.Helper()
	prev := fatalf
	fatalf = func(format string, args ...any) {
		panic(fatalSentinel{msg: format})
	}
	t.Cleanup(func() { fatalf = prev })
}

// expectFatal runs fn and reports whether it hit the fatal path.
func expectFatal(t *testing.T, fn func()) (fatal bool) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(fatalSentinel); !ok {
				panic(r)
			}
			fatal = true
		}
	}()
	fn()
	return false
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ v, align, want uint64 }{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{17, 16, 32},
	}
	for _, c := range cases {
		if got := alignUp(c.v, c.align); got != c.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", c.v, c.align, got, c.want)
		}
	}
}

func TestNewCacheDefaultsAlignAndRoundsSize(t *testing.T) {
	c := NewCache("widgets", 10, 0, nil, nil)
	if c.align != 8 {
		t.Errorf("align = %d, want 8", c.align)
	}
	if c.size != 16 {
		t.Errorf("size = %d, want 16 (10 rounded up to 8-byte alignment)", c.size)
	}
}

func TestCacheAllocFreeRoundTrip(t *testing.T) {
	withFakeAllocator(t)
	c := NewCache("test", 32, 8, nil, nil)

	obj, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if obj == nil {
		t.Fatal("Alloc() returned nil object")
	}
	c.Free(obj)
	c.Destroy()
}

func TestCacheAllocFillsSlabBeforeCreatingAnother(t *testing.T) {
	f := withFakeAllocator(t)
	// Small objects relative to a page, so several allocations should
	// come from the same backing slab.
	c := NewCache("test", 64, 8, nil, nil)

	first, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if c.partial.Empty() {
		t.Fatal("a slab with objects still free should have moved onto the partial list")
	}

	second, err := c.Alloc()
	if err != nil {
		t.Fatalf("second Alloc() error = %v", err)
	}
	if first == second {
		t.Error("two live allocations returned the same object")
	}
	if len(f.pages) != 1 {
		t.Errorf("frames held = %d, want 1 (both objects from the same slab)", len(f.pages))
	}

	c.Free(first)
	c.Free(second)
}

// singleObjectSize returns an object size that leaves room for exactly one
// object per page, so allocating it always forces a fresh slab.
func singleObjectSize() uint64 {
	headerSize := uint64(unsafe.Sizeof(slab{}))
	return alignUp(pmm.PageSize-headerSize, 8)
}

func TestCacheAllocCreatesNewSlabWhenFull(t *testing.T) {
	withFakeAllocator(t)
	c := NewCache("test", singleObjectSize(), 8, nil, nil)

	a, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if c.full.Empty() {
		t.Fatal("a fully-used single-object slab should be on the full list")
	}

	b, err := c.Alloc()
	if err != nil {
		t.Fatalf("second Alloc() error = %v", err)
	}
	if a == b {
		t.Error("expected a second slab to be created, got the same object back")
	}

	c.Free(a)
	c.Free(b)
}

func TestCacheFreeMovesFullSlabOffFullList(t *testing.T) {
	withFakeAllocator(t)
	c := NewCache("test", singleObjectSize(), 8, nil, nil)

	obj, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if c.full.Empty() {
		t.Fatal("single-object slab should be full after one alloc")
	}

	c.Free(obj)
	if !c.full.Empty() {
		t.Error("slab should have left the full list after its only object was freed")
	}
}

func TestCacheCtorDtorCalled(t *testing.T) {
	withFakeAllocator(t)
	var ctorCalls, dtorCalls int
	c := NewCache("test", 16, 8,
		func(unsafe.Pointer) { ctorCalls++ },
		func(unsafe.Pointer) { dtorCalls++ },
	)

	obj, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if ctorCalls != 1 {
		t.Errorf("ctorCalls = %d, want 1", ctorCalls)
	}
	c.Free(obj)
	if dtorCalls != 1 {
		t.Errorf("dtorCalls = %d, want 1", dtorCalls)
	}
}

func TestCacheDestroyWithActiveObjectsIsFatal(t *testing.T) {
	withFakeAllocator(t)
	interceptFatal(t)
	c := NewCache("test", 16, 8, nil, nil)

	obj, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if !expectFatal(t, func() { c.Destroy() }) {
		t.Fatal("Destroy() with an object still allocated should be fatal")
	}
	c.Free(obj)
}

func TestCacheFreeDoubleFreeIsFatal(t *testing.T) {
	withFakeAllocator(t)
	interceptFatal(t)
	c := NewCache("test", 48, 8, nil, nil)

	obj, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	c.Free(obj)
	if !expectFatal(t, func() { c.Free(obj) }) {
		t.Fatal("second Free() of the same object should be fatal")
	}
}

func TestCacheFreeWrongCacheIsFatal(t *testing.T) {
	withFakeAllocator(t)
	interceptFatal(t)
	owner := NewCache("owner", 32, 8, nil, nil)
	other := NewCache("other", 32, 8, nil, nil)

	obj, err := owner.Alloc()
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	if !expectFatal(t, func() { other.Free(obj) }) {
		t.Fatal("Free() through a cache that does not own the object should be fatal")
	}
	owner.Free(obj)
}

// 1000 allocations of a 40-byte object followed by 1000 frees must leave
// the cache holding exactly one spare slab, every other frame returned
// to the page allocator.
func TestCacheReclaimsToOneFreeSlab(t *testing.T) {
	f := withFakeAllocator(t)
	c := NewCache("widgets", 40, 8, nil, nil)

	objs := make([]unsafe.Pointer, 0, 1000)
	for i := 0; i < 1000; i++ {
		obj, err := c.Alloc()
		if err != nil {
			t.Fatalf("Alloc() #%d error = %v", i, err)
		}
		objs = append(objs, obj)
	}
	if len(f.pages) < 2 {
		t.Fatalf("1000 40-byte objects should span several slabs, got %d", len(f.pages))
	}

	for _, obj := range objs {
		c.Free(obj)
	}

	if c.nrFreeSlabs != 1 {
		t.Errorf("nrFreeSlabs after all frees = %d, want 1", c.nrFreeSlabs)
	}
	if len(f.pages) != 1 {
		t.Errorf("frames still held = %d, want 1 (the spare slab)", len(f.pages))
	}

	c.Destroy()
	if len(f.pages) != 0 {
		t.Errorf("frames still held after Destroy = %d, want 0", len(f.pages))
	}
}

// Filling a partial slab to full while an idle spare slab sits on the
// free list must not touch the spare's accounting; only allocations that
// actually take from the free list consume it.
func TestCacheSpareSlabAccounting(t *testing.T) {
	f := withFakeAllocator(t)
	c := NewCache("test", 64, 8, nil, nil)

	obj, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	pg := physAlloc.VirtToPage(obj)
	total := int((*slab)(physAlloc.PageToVirt(pg)).total)

	first := []unsafe.Pointer{obj}
	for i := 1; i < total; i++ {
		o, err := c.Alloc()
		if err != nil {
			t.Fatalf("Alloc() error = %v", err)
		}
		first = append(first, o)
	}

	// Start a second slab, then return the whole first slab so it
	// becomes the resident spare.
	extra, err := c.Alloc()
	if err != nil {
		t.Fatalf("Alloc() error = %v", err)
	}
	for _, o := range first {
		c.Free(o)
	}
	if c.nrFreeSlabs != 1 {
		t.Fatalf("nrFreeSlabs = %d after returning a whole slab, want 1", c.nrFreeSlabs)
	}

	// Fill the second slab to capacity; every object comes off the
	// partial list, so the spare must survive untouched.
	second := []unsafe.Pointer{extra}
	for i := 1; i < total; i++ {
		o, err := c.Alloc()
		if err != nil {
			t.Fatalf("Alloc() error = %v", err)
		}
		second = append(second, o)
	}
	if c.nrFreeSlabs != 1 {
		t.Errorf("nrFreeSlabs = %d after filling the partial slab, want the spare still counted (1)", c.nrFreeSlabs)
	}

	for _, o := range second {
		c.Free(o)
	}
	if c.nrFreeSlabs != 1 {
		t.Errorf("nrFreeSlabs = %d after all frees, want 1", c.nrFreeSlabs)
	}
	if len(f.pages) != 1 {
		t.Errorf("frames still held = %d, want 1", len(f.pages))
	}
}

// Every live slab's first word must read back the magic constant and the
// owning-cache pointer must match the cache the object came from.
func TestSlabHeaderIntegrity(t *testing.T) {
	withFakeAllocator(t)
	c := NewCache("test", 64, 8, nil, nil)

	objs := make([]unsafe.Pointer, 0, 100)
	for i := 0; i < 100; i++ {
		obj, err := c.Alloc()
		if err != nil {
			t.Fatalf("Alloc() error = %v", err)
		}
		objs = append(objs, obj)
	}

	for _, obj := range objs {
		pg := physAlloc.VirtToPage(obj)
		sl := (*slab)(physAlloc.PageToVirt(pg))
		if sl.tag.magic != slabMagic {
			t.Fatalf("slab magic = %#x, want %#x", sl.tag.magic, slabMagic)
		}
		if sl.cache != c {
			t.Fatalf("slab owner = %p, want %p", sl.cache, c)
		}
	}

	for _, obj := range objs {
		c.Free(obj)
	}
}

func TestFreeNilIsNoOp(t *testing.T) {
	withFakeAllocator(t)
	c := NewCache("test", 16, 8, nil, nil)
	c.Free(nil) // must not panic
}
