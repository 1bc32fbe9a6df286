//go:build kernel

package lock

import "vanta/internal/arch/x86_64/asm"

// The kernel build binds the local interrupt flag to the real RFLAGS.IF
// via CLI/STI; see irqflags_hosted.go for the go-test substitute.

func localIRQEnabled() bool { return asm.InterruptsEnabled() }
func localIRQDisable()      { asm.DisableInterrupts() }
func localIRQEnable()       { asm.EnableInterrupts() }
