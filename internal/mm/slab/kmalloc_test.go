package slab

import (
	"testing"
	"unsafe"
)

func withKmalloc(t *testing.T) *fakeAllocator {
	t.Helper()
	f := withFakeAllocator(t)
	kmallocCachesInited = false
	initKmallocCaches()
	t.Cleanup(func() { kmallocCachesInited = false })
	return f
}

func TestSizeToIndex(t *testing.T) {
	cases := []struct {
		size uint64
		want int
	}{
		{1, 0},
		{8, 0},
		{9, 1},
		{16, 1},
		{17, 2},
		{2048, numCaches - 1},
		{4096, numCaches}, // past the last class; served by a page run
	}
	for _, c := range cases {
		if got := sizeToIndex(c.size); got != c.want {
			t.Errorf("sizeToIndex(%d) = %d, want %d", c.size, got, c.want)
		}
	}
}

func TestCacheForRejectsOversizedRequest(t *testing.T) {
	if c := cacheFor((1 << maxShift) + 1); c != nil {
		t.Error("cacheFor(> 1<<maxShift) should return nil")
	}
}

func TestCacheForReturnsIncreasingSizedCaches(t *testing.T) {
	withKmalloc(t)
	small := cacheFor(1)
	big := cacheFor(1 << (maxShift - 1))
	if small == nil || big == nil {
		t.Fatal("cacheFor returned nil for an in-range size")
	}
	if small.size >= big.size {
		t.Errorf("expected cacheFor(1).size < cacheFor(2048).size, got %d >= %d", small.size, big.size)
	}
}

func TestCacheForRejectsSizesPastLastClass(t *testing.T) {
	withKmalloc(t)
	if c := cacheFor(2049); c != nil {
		t.Error("cacheFor(2049) should return nil; the band above the last class is page-run territory")
	}
}

func TestOrderForPages(t *testing.T) {
	cases := []struct {
		count uint64
		want  uint32
	}{
		{1, 0},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 3},
	}
	for _, c := range cases {
		if got := orderForPages(c.count); got != c.want {
			t.Errorf("orderForPages(%d) = %d, want %d", c.count, got, c.want)
		}
	}
}

func TestKmallocZeroSizeReturnsNil(t *testing.T) {
	withKmalloc(t)
	ptr, err := Kmalloc(0)
	if ptr != nil || err != nil {
		t.Errorf("Kmalloc(0) = (%v, %v), want (nil, nil)", ptr, err)
	}
}

func TestKmallocRejectsOverMaxSize(t *testing.T) {
	withKmalloc(t)
	if _, err := Kmalloc(MaxSize + 1); err == nil {
		t.Error("Kmalloc(MaxSize+1) should error")
	}
}

func TestKmallocSmallRoundTrip(t *testing.T) {
	withKmalloc(t)
	ptr, err := Kmalloc(24)
	if err != nil {
		t.Fatalf("Kmalloc(24) error = %v", err)
	}
	if ptr == nil {
		t.Fatal("Kmalloc(24) returned nil")
	}
	if err := Kfree(ptr); err != nil {
		t.Errorf("Kfree() error = %v", err)
	}
}

func TestKmallocLargeRoundTrip(t *testing.T) {
	withKmalloc(t)
	ptr, err := Kmalloc(1 << maxShift + 1)
	if err != nil {
		t.Fatalf("Kmalloc(large) error = %v", err)
	}
	if ptr == nil {
		t.Fatal("Kmalloc(large) returned nil")
	}
	if err := Kfree(ptr); err != nil {
		t.Errorf("Kfree(large) error = %v", err)
	}
}

func TestKfreeNilIsNoOp(t *testing.T) {
	withKmalloc(t)
	if err := Kfree(nil); err != nil {
		t.Errorf("Kfree(nil) error = %v, want nil", err)
	}
}

func TestKfreeRejectsUnknownPointer(t *testing.T) {
	withKmalloc(t)
	var x int
	if err := Kfree(unsafe.Pointer(&x)); err == nil {
		t.Error("Kfree() of a pointer never returned by Kmalloc should error")
	}
}

func TestKcallocZeroesMemory(t *testing.T) {
	withKmalloc(t)
	ptr, err := Kcalloc(8, 8)
	if err != nil {
		t.Fatalf("Kcalloc() error = %v", err)
	}
	b := unsafe.Slice((*byte)(ptr), 64)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d = %d, want 0", i, v)
		}
		b[i] = 0xAA // poison so a re-run without re-zeroing would be caught elsewhere
	}
	if err := Kfree(ptr); err != nil {
		t.Errorf("Kfree() error = %v", err)
	}
}

func TestKcallocOverflowDetected(t *testing.T) {
	withKmalloc(t)
	if _, err := Kcalloc(1<<63, 2); err == nil {
		t.Error("Kcalloc() with an overflowing num*size should error")
	}
}

func TestKcallocZeroArgsReturnsNil(t *testing.T) {
	withKmalloc(t)
	if ptr, err := Kcalloc(0, 8); ptr != nil || err != nil {
		t.Errorf("Kcalloc(0, 8) = (%v, %v), want (nil, nil)", ptr, err)
	}
}

// Freeing the same heap pointer twice is fatal corruption, caught by the
// owning slab's free-list walk.
func TestKfreeDoubleFreeIsFatal(t *testing.T) {
	withKmalloc(t)
	interceptFatal(t)

	ptr, err := Kmalloc(64)
	if err != nil {
		t.Fatalf("Kmalloc(64) error = %v", err)
	}
	if err := Kfree(ptr); err != nil {
		t.Fatalf("first Kfree() error = %v", err)
	}
	if !expectFatal(t, func() { Kfree(ptr) }) {
		t.Fatal("second Kfree() of the same pointer should be fatal")
	}
}

// Round-tripping every size class twice must reach a steady state: the
// second pass may reuse each cache's one retained spare slab but must
// not grow the frame footprint, and every pointer comes back at least
// word-aligned.
func TestKmallocRoundTripSteadyState(t *testing.T) {
	f := withKmalloc(t)
	sizes := []uint64{1, 7, 8, 9, 63, 64, 100, 512, 1000, 4096, 4097, 64 * 1024}

	pass := func() {
		for _, size := range sizes {
			ptr, err := Kmalloc(size)
			if err != nil {
				t.Fatalf("Kmalloc(%d) error = %v", size, err)
			}
			if uintptr(ptr)%8 != 0 {
				t.Fatalf("Kmalloc(%d) = %p, not word-aligned", size, ptr)
			}
			if err := Kfree(ptr); err != nil {
				t.Fatalf("Kfree(Kmalloc(%d)) error = %v", size, err)
			}
		}
	}

	pass()
	held := len(f.pages)
	pass()
	if len(f.pages) != held {
		t.Errorf("frame footprint grew across passes: %d -> %d", held, len(f.pages))
	}
	if held > numCaches {
		t.Errorf("frames held at steady state = %d, want at most one spare slab per cache (%d)", held, numCaches)
	}
}
