//go:build !kernel

package lock

import "sync/atomic"

// Hosted builds (go test, tooling) run as an ordinary user process,
// where CLI raises #GP. The local interrupt flag is simulated with an
// atomic word instead; the kernel build (-tags kernel) swaps in the
// real CLI/STI pair from irqflags_kernel.go.

var simulatedIF uint32 = 1

func localIRQEnabled() bool { return atomic.LoadUint32(&simulatedIF) != 0 }
func localIRQDisable()      { atomic.StoreUint32(&simulatedIF, 0) }
func localIRQEnable()       { atomic.StoreUint32(&simulatedIF, 1) }
