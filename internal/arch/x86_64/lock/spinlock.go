// Package lock implements the kernel's only synchronization primitive: a
// ticketless CAS spinlock paired with the IRQ-save/restore discipline
// every interrupt-reachable critical section must use. On a single CPU
// the lock exists to make critical sections atomic with respect to
// interrupts, not other cores; the structure is kept anyway so SMP can
// be added without rewriting every call site.
package lock

import "vanta/internal/arch/x86_64/asm"

const (
	unlocked uint32 = 0
	locked   uint32 = 1
)

// Spinlock is a single-word CAS lock. The zero value is unlocked.
type Spinlock struct {
	state uint32
}

// Lock spins until the lock is acquired. It does not touch the interrupt
// flag; callers on a path reachable from interrupt context must use
// LockIRQSave instead; see that function's comment.
func (l *Spinlock) Lock() {
	for !asm.CompareAndSwapUint32(&l.state, unlocked, locked) {
		for l.state == locked {
			asm.Pause()
		}
	}
}

// Unlock releases the lock. Undefined if the caller does not hold it.
func (l *Spinlock) Unlock() {
	l.state = unlocked
}

// TryLock attempts to acquire the lock without spinning, returning whether
// it succeeded.
func (l *Spinlock) TryLock() bool {
	return asm.CompareAndSwapUint32(&l.state, unlocked, locked)
}

// LockIRQSave disables interrupts, then acquires the lock, returning the
// interrupt-enable state from before the call. A spinlock protecting data
// that an interrupt handler (the timer tick, in particular) can also
// touch must always be taken this way: without disabling interrupts
// first, an IRQ landing between "spin" and "acquire" on the same CPU
// could itself try to take the same lock and deadlock forever, since
// there is no second core to release it.
//
// The flag manipulation itself lives behind the irqflags build-tag pair:
// the kernel build uses the real CLI/STI/PUSHFQ sequence, while hosted
// builds (go test) substitute a simulated flag, since CLI faults in an
// ordinary user process.
func (l *Spinlock) LockIRQSave() (wasEnabled bool) {
	wasEnabled = localIRQEnabled()
	localIRQDisable()
	l.Lock()
	return wasEnabled
}

// UnlockIRQRestore releases the lock and restores the interrupt-enable
// state captured by the matching LockIRQSave.
func (l *Spinlock) UnlockIRQRestore(wasEnabled bool) {
	l.Unlock()
	if wasEnabled {
		localIRQEnable()
	}
}
