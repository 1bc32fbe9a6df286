package sched

import (
	"fmt"
	"unsafe"

	"vanta/internal/arch/x86_64/asm"
	"vanta/internal/arch/x86_64/cpu"
	"vanta/internal/arch/x86_64/lock"
	"vanta/internal/arch/x86_64/ptregs"
	"vanta/internal/klog"
	"vanta/internal/mm/pmm"
)

// MaxTasks bounds the fixed-size task table.
const MaxTasks = 1337

// KernelTaskName is PID 0's name.
const KernelTaskName = "kernel_idle"

// pager is the subset of *pmm.PMM CreateTask needs to hand a new task its
// own stack page, the same split slab.frameAllocator uses so a test can
// inject one backed by ordinary Go memory instead of real physical pages.
type pager interface {
	AllocPages(order uint32) (*pmm.Page, error)
	FreePages(page *pmm.Page, order uint32) error
	PageToVirt(page *pmm.Page) unsafe.Pointer
}

// ExitTrampoline is the address of the assembly stub a task's stack
// returns into if its entry point ever returns normally, rather than
// blocking or looping forever. The stub lives with the context-switch
// assembly outside this tree; the entry code sets this before the
// first CreateTask. Left at zero in tests, which only check the
// state transitions CreateTask and TaskExit make, never real control
// transfer.
var ExitTrampoline uintptr

var (
	pageAlloc pager

	tasks      [MaxTasks]Task
	current    PID
	highestPID PID
	schedLock  lock.Spinlock
)

// Init resets the task table and installs task 0 as the idle task,
// already RUNNING.
func Init(p pager) {
	pageAlloc = p
	for i := range tasks {
		tasks[i] = Task{}
	}
	tasks[0] = Task{ID: 0, Name: KernelTaskName, State: StateRunning}
	current = 0
	highestPID = 1
	klog.Infof("sched: initialized; idle task created with PID %d", current)
}

// Current returns the PID Schedule most recently selected to run.
func Current() PID {
	return current
}

// TaskByID returns a copy of the task table entry for pid, or false if
// pid is out of range.
func TaskByID(pid PID) (Task, bool) {
	if pid < 0 || int(pid) >= MaxTasks {
		return Task{}, false
	}
	return tasks[pid], true
}

// CreateTask allocates a stack and a task-table slot for a new kernel
// task, bootstraps its initial register context so the first timer tick
// to preempt it resumes at entry, and marks it READY.
//
// A DEAD task's stack is reclaimed lazily: the search below prefers a
// DEAD slot, frees that task's old stack, and hands the slot to the new
// task. The table only grows when no DEAD slot exists.
func CreateTask(name string, entry uintptr) (PID, error) {
	wasEnabled := schedLock.LockIRQSave()
	defer schedLock.UnlockIRQRestore(wasEnabled)
	return createTask(name, entry)
}

// createTask is CreateTask's body, factored out so tests can exercise
// task-table bookkeeping directly instead of through the real interrupt-
// disabling lock.
func createTask(name string, entry uintptr) (PID, error) {
	slot, grew, err := reserveSlot()
	if err != nil {
		return -1, fmt.Errorf("sched: failed to create task %q: %w", name, err)
	}

	page, err := pageAlloc.AllocPages(0)
	if err != nil {
		if grew {
			highestPID--
		}
		return -1, fmt.Errorf("sched: failed to create task %q: out of physical memory", name)
	}

	stackBase := uintptr(pageAlloc.PageToVirt(page))
	stackTop := stackBase + pmm.PageSize

	context := stackTop - ptregs.Size
	exitStackTop := context - 8
	if ExitTrampoline != 0 {
		*(*uint64)(unsafe.Pointer(exitStackTop)) = uint64(ExitTrampoline)
	}

	regs := (*ptregs.Regs)(unsafe.Pointer(context))
	*regs = *ptregs.Bootstrap(entry, exitStackTop, cpu.KernelCodeSelector, cpu.KernelDataSelector)

	tasks[slot] = Task{
		ID:           slot,
		Name:         name,
		State:        StateReady,
		StackPointer: context,
		StackBase:    stackBase,
		stackPage:    page,
	}

	klog.Infof("sched: created task %s with PID %d", name, slot)
	return slot, nil
}

// reserveSlot finds a DEAD slot to reuse, freeing its stack first, or
// grows the table if none exists and there is room.
func reserveSlot() (slot PID, grew bool, err error) {
	for pid := PID(1); pid < highestPID; pid++ {
		if tasks[pid].State == StateDead {
			if tasks[pid].stackPage != nil {
				pageAlloc.FreePages(tasks[pid].stackPage, 0)
			}
			return pid, false, nil
		}
	}
	if highestPID >= MaxTasks {
		return -1, false, fmt.Errorf("max tasks reached")
	}
	slot = highestPID
	highestPID++
	return slot, true, nil
}

// Schedule is called (by way of the out-of-scope context-switch stub)
// with the stack pointer the interrupted task was just saved at. It
// records that, runs one round of round-robin selection among READY
// tasks, and returns the stack pointer the caller should resume at.
func Schedule(currentStackPointer uintptr) uintptr {
	wasEnabled := schedLock.LockIRQSave()
	defer schedLock.UnlockIRQRestore(wasEnabled)
	return schedule(currentStackPointer)
}

// schedule is Schedule's body, factored out so tests can exercise the
// round-robin selection directly instead of through the real interrupt-
// disabling lock.
func schedule(currentStackPointer uintptr) uintptr {
	tasks[current].StackPointer = currentStackPointer
	if tasks[current].State == StateRunning {
		tasks[current].State = StateReady
	}

	next := current
	for i := PID(0); i < highestPID; i++ {
		next = (next + 1) % highestPID
		if next == 0 {
			continue
		}
		if tasks[next].State == StateReady {
			current = next
			tasks[current].State = StateRunning
			return tasks[current].StackPointer
		}
	}

	// No task other than PID 0 is READY (the loop above also revisits
	// the task just demoted), so the idle task runs. Happens frequently
	// in the idle loop.
	current = 0
	tasks[current].State = StateRunning
	return tasks[current].StackPointer
}

// TaskExit is the Go-side landing point ExitTrampoline calls when a
// task's entry function returns instead of blocking or looping forever.
// It marks the current task DEAD and halts; CreateTask reuses its slot,
// and frees its stack, the next time the table needs it.
func TaskExit() {
	id, name := markCurrentDead()
	klog.Debugf("sched: task %d (%s) is exiting", id, name)
	for {
		asm.Halt()
	}
}

// markCurrentDead is TaskExit's bookkeeping, factored out so tests can
// exercise the DEAD transition directly instead of through the real
// interrupt-disabling lock and an infinite halt loop.
func markCurrentDead() (id PID, name string) {
	wasEnabled := schedLock.LockIRQSave()
	defer schedLock.UnlockIRQRestore(wasEnabled)
	name = tasks[current].Name
	id = current
	tasks[current].State = StateDead
	return id, name
}
