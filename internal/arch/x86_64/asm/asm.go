// Package asm holds the small set of primitives this kernel cannot
// express in Go: port I/O, descriptor-table loads, the interrupt-enable
// flag, and a single compare-and-swap. Register save/restore, the iret
// sequencing, and the per-vector interrupt entry stubs live with the
// boot trampoline outside this tree; this package is the interface
// boundary the core needs from them.
package asm

// Outb writes a byte to an I/O port.
//
//go:noescape
func Outb(port uint16, value uint8)

// Inb reads a byte from an I/O port.
//
//go:noescape
func Inb(port uint16) uint8

// IOWait burns a few cycles writing to an unused port (0x80), giving the
// legacy PIC/PIT time to see the previous I/O write land. Conventional on
// real hardware; a no-op is unobservable under emulation but the call site
// stays in place so port sequencing is correct either way.
//
//go:noescape
func IOWait()

// LoadGDT loads the GDTR from a packed {limit, base} pointer and reloads
// DS, ES, SS, FS and GS with dataSelector. CS is not reloaded here;
// codeSelector is not used by the assembly body.
//
//go:noescape
func LoadGDT(gdtr uintptr, codeSelector, dataSelector uint16)

// LoadTSS loads the task register with the given GDT selector.
//
//go:noescape
func LoadTSS(selector uint16)

// LoadIDT loads the IDTR from a packed {limit, base} pointer.
//
//go:noescape
func LoadIDT(idtr uintptr)

// EnableInterrupts executes STI.
//
//go:noescape
func EnableInterrupts()

// DisableInterrupts executes CLI.
//
//go:noescape
func DisableInterrupts()

// InterruptsEnabled reads RFLAGS.IF without altering the interrupt-enable
// state.
//
//go:noescape
func InterruptsEnabled() bool

// Pause executes the PAUSE instruction, the x86 spin-loop hint used while
// a spinlock is observed held.
//
//go:noescape
func Pause()

// Halt executes HLT. Used by the idle task and by the panic/die path.
//
//go:noescape
func Halt()

// CompareAndSwapUint32 performs a LOCK CMPXCHG on *addr: if *addr == old,
// stores newval and returns true; otherwise leaves *addr unchanged and
// returns false.
//
//go:noescape
func CompareAndSwapUint32(addr *uint32, old, newval uint32) bool
