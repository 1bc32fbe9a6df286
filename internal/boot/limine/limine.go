// Package limine declares the Go-side shapes of the Limine boot
// protocol structures this kernel consumes: the higher-half direct map
// offset, the physical memory map, and the framebuffer. Placing request
// objects in the loader's well-known link section and copying the
// responses out is the entry stub's job; this package only fixes the
// struct shapes the rest of the kernel reads from.
package limine

// MemmapEntryType enumerates the region kinds defined by the Limine
// boot protocol's memory map response.
type MemmapEntryType uint64

const (
	MemmapUsable               MemmapEntryType = 0
	MemmapReserved             MemmapEntryType = 1
	MemmapACPIReclaimable      MemmapEntryType = 2
	MemmapACPINVS              MemmapEntryType = 3
	MemmapBadMemory            MemmapEntryType = 4
	MemmapBootloaderReclaimable MemmapEntryType = 5
	MemmapKernelAndModules     MemmapEntryType = 6
	MemmapFramebuffer          MemmapEntryType = 7
)

// MemmapEntry is one physical memory region.
type MemmapEntry struct {
	Base   uint64
	Length uint64
	Type   MemmapEntryType
}

// MemmapResponse is the bootloader's full physical memory map.
type MemmapResponse struct {
	Entries []*MemmapEntry
}

// HHDMResponse carries the offset added to a physical address to obtain
// a virtual address in the bootloader-provided higher-half direct map.
// Every physical-memory access in internal/mm goes through this offset;
// nothing remaps beyond what the bootloader set up, so this is the only
// address translation in the tree.
type HHDMResponse struct {
	Offset uint64
}

// FramebufferResponse describes the single linear framebuffer the
// loader hands off. No component in this tree draws to it yet; a
// framebuffer console would start here.
type FramebufferResponse struct {
	Address uintptr
	Width   uint64
	Height  uint64
	Pitch   uint64
	BPP     uint16
}

// Requests bundles the boot-time responses the kernel entry point reads
// once, immediately after control transfer from the bootloader. A real
// boot populates this from the linked request objects; tests construct
// it directly.
type Requests struct {
	HHDM        HHDMResponse
	Memmap      MemmapResponse
	Framebuffer *FramebufferResponse
}

// Boot is the request set the entry stub fills in from the bootloader's
// responses before KernelMain runs. Exactly one exists; nothing reads
// it after boot.
var Boot Requests
