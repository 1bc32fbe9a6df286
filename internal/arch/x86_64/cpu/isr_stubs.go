package cpu

// ISRStubs holds, per vector, the address of the assembly entry stub
// that pushes the vector number (and, on vectors without a hardware
// error code, a synthetic zero) before calling into irq.Dispatch. The
// stubs live with the boot trampoline outside this tree; this array is
// the contract boundary the entry code fills in before the IDT is
// built, the same way sched.ExitTrampoline stands in for the
// context-switch stub. A zero entry is skipped rather than installed
// as a gate, so a kernel built without a stub for some vector still
// boots, just without that vector wired.
var ISRStubs [MaxDescriptors]uintptr
