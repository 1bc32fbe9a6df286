package lock

import (
	"sync"
	"testing"
)

func TestSpinlockMutualExclusion(t *testing.T) {
	var l Spinlock
	var counter int
	var wg sync.WaitGroup

	const goroutines = 8
	const iterations = 1000

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
	}
	wg.Wait()

	if want := goroutines * iterations; counter != want {
		t.Errorf("counter = %d, want %d", counter, want)
	}
}

func TestSpinlockTryLock(t *testing.T) {
	var l Spinlock
	if !l.TryLock() {
		t.Fatal("TryLock on unlocked lock should succeed")
	}
	if l.TryLock() {
		t.Fatal("TryLock on held lock should fail")
	}
	l.Unlock()
	if !l.TryLock() {
		t.Fatal("TryLock after Unlock should succeed")
	}
}

// Two goroutines stand in for the two "simulated interrupt contexts" the
// lock serializes on a real single CPU: N increments from each side under
// LockIRQSave/UnlockIRQRestore must sum to exactly 2N.
func TestLockIRQSaveMutualExclusion(t *testing.T) {
	var l Spinlock
	var counter int
	var wg sync.WaitGroup

	const n = 5000
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n; j++ {
				flags := l.LockIRQSave()
				counter++
				l.UnlockIRQRestore(flags)
			}
		}()
	}
	wg.Wait()

	if counter != 2*n {
		t.Errorf("counter = %d, want %d", counter, 2*n)
	}
}

// The interrupt-enable flag must come back exactly as it was, whether
// the critical section was entered with interrupts on or already off
// (the nested-section case).
func TestLockIRQSaveRestoresFlagState(t *testing.T) {
	var l Spinlock

	localIRQEnable()
	flags := l.LockIRQSave()
	if localIRQEnabled() {
		t.Error("interrupts should be disabled inside the critical section")
	}
	l.UnlockIRQRestore(flags)
	if !localIRQEnabled() {
		t.Error("interrupts should be re-enabled after UnlockIRQRestore")
	}

	localIRQDisable()
	flags = l.LockIRQSave()
	l.UnlockIRQRestore(flags)
	if localIRQEnabled() {
		t.Error("interrupts disabled before the section must stay disabled after it")
	}
	localIRQEnable()
}

func TestLockIRQSaveNests(t *testing.T) {
	var outer, inner Spinlock

	localIRQEnable()
	outerFlags := outer.LockIRQSave()
	innerFlags := inner.LockIRQSave()
	if innerFlags {
		t.Error("inner LockIRQSave should observe interrupts already disabled")
	}
	inner.UnlockIRQRestore(innerFlags)
	if localIRQEnabled() {
		t.Error("releasing the inner lock must not re-enable interrupts early")
	}
	outer.UnlockIRQRestore(outerFlags)
	if !localIRQEnabled() {
		t.Error("releasing the outer lock should restore the enabled state")
	}
}
