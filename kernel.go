// Command vanta is a small x86_64 monoprocessor kernel booted by a
// Limine-compatible loader. The assembly entry stub hands control to
// KernelMain with the bootloader's responses already linked in; from
// there boot is a straight line: run the registered initcalls in level
// order, bring up the scheduler, enable interrupts, and idle. Every
// timer tick after that re-enters through handleInterrupt.
package main

import (
	"unsafe"

	"vanta/bitfield"
	"vanta/internal/arch/x86_64/asm"
	"vanta/internal/arch/x86_64/cpu"
	"vanta/internal/arch/x86_64/pic"
	"vanta/internal/arch/x86_64/pit"
	"vanta/internal/arch/x86_64/ptregs"
	"vanta/internal/boot/initcall"
	"vanta/internal/boot/limine"
	"vanta/internal/console"
	"vanta/internal/irq"
	"vanta/internal/klog"
	"vanta/internal/mm/pmm"
	"vanta/internal/mm/slab"
	kpanic "vanta/internal/panic"
	"vanta/internal/sched"
)

const (
	// kernelLoadAddr is the physical address the linker script places
	// the image at, the conventional 1MiB mark.
	kernelLoadAddr = 0x100000

	// kernelVirtBase is where the linker maps the image in the higher
	// half; used to translate the _kernel_end symbol back to physical.
	kernelVirtBase = 0xffffffff80000000
)

// linkerKernelEnd is the virtual address of the linker's _kernel_end
// symbol, stored here by the entry stub before KernelMain runs. The
// frame allocator falls back to it when the bootloader's memory map has
// no kernel region covering the load address.
var linkerKernelEnd uintptr

var (
	gdt     *cpu.Table
	idt     *cpu.IDT
	physMem *pmm.PMM
)

func main() {
	KernelMain(&limine.Boot)
}

// KernelMain is the Go-side kernel entry, the kmain the boot stub jumps
// to once the CPU is in long mode on the bootstrap stack.
func KernelMain(boot *limine.Requests) {
	registerInitcalls(boot)
	if err := initcall.RunAll(); err != nil {
		kpanic.Panic("initcall failed: %s", err.Error())
	}

	klog.Infof("vanta is booting...")
	klog.Infof("mem: %u KiB total, %u KiB free, %u KiB reserved",
		physMem.TotalBytes()/1024, physMem.FreeBytes()/1024, physMem.UsedBytes()/1024)

	sched.Init(physMem)

	klog.Infof("initialization sequence complete")
	asm.EnableInterrupts()

	// The idle loop is PID 0's body: halt until the next interrupt,
	// which reschedules away whenever anything else is READY.
	for {
		asm.Halt()
	}
}

func registerInitcalls(boot *limine.Requests) {
	initcall.Register(initcall.Pure, "console", func() error {
		klog.RegisterConsole(console.InitSerial())
		klog.SetClock(pit.UptimeMillis)
		return nil
	})
	initcall.Register(initcall.Core, "mem", func() error {
		p, err := pmm.New(&boot.Memmap, kernelLoadAddr, kernelEndPhys(), boot.HHDM.Offset)
		if err != nil {
			return err
		}
		physMem = p
		return nil
	})
	initcall.Register(initcall.Postcore, "slab", func() error {
		slab.Init(physMem)
		return nil
	})
	initcall.Register(initcall.Arch, "cpu", initCPU)
	initcall.Register(initcall.Arch, "pic", func() error {
		pic.RemapAndInit()
		return nil
	})
	initcall.Register(initcall.Device, "timer", initTimer)
}

// kernelEndPhys translates the linker's _kernel_end virtual address to
// physical, for the memory map fallback path.
func kernelEndPhys() uint64 {
	if linkerKernelEnd == 0 {
		return 0
	}
	return kernelLoadAddr + (uint64(linkerKernelEnd) - kernelVirtBase)
}

// initCPU builds and loads the GDT/TSS, then wires every vector that
// has an entry stub into the IDT. The double fault runs on the TSS's
// IST1 stack so a corrupted kernel stack cannot take down the fault
// path with it.
func initCPU() error {
	gdt = cpu.New()
	gdt.Load()

	idt = cpu.NewIDT()
	attr := bitfield.IDTAttr{GateType: bitfield.IDTGateInterrupt64, Present: true}
	for vector := 0; vector < cpu.MaxDescriptors; vector++ {
		stub := cpu.ISRStubs[vector]
		if stub == 0 {
			continue
		}
		var ist uint8
		if vector == cpu.VectorDoubleFault {
			ist = 1
		}
		idt.SetGate(uint8(vector), stub, cpu.KernelCodeSelector, attr, ist)
	}
	idt.Load()
	return nil
}

func initTimer() error {
	pit.Init(pit.Frequency)
	return irq.RequestIRQ(pit.IRQ, func(regs *ptregs.Regs) {
		pit.HandleTick()
	})
}

// handleInterrupt is the single Go entry the per-vector assembly stubs
// call, with regs pointing at the frame they pushed. The returned stack
// pointer is what the stub's epilogue restores registers from: the same
// frame back for an ordinary interrupt, or the next task's saved
// context when a timer tick ran the scheduler. Exceptions never return
// this far.
func handleInterrupt(regs *ptregs.Regs) uintptr {
	if irq.Dispatch(regs) {
		return sched.Schedule(uintptr(unsafe.Pointer(regs)))
	}
	return uintptr(unsafe.Pointer(regs))
}
