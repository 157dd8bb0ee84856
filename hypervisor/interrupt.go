package hypervisor

import (
	"sync/atomic"
	"time"
)

// InterruptHandle cancels a running vCPU from outside the thread driving it.
type InterruptHandle interface {
	// Kill interrupts the sandbox's vCPU. If the vCPU is running it is
	// kicked out of the hypervisor and Kill returns true. If it is not
	// running (for example during a host call), the cancellation is latched
	// so the vCPU will not be resumed, and Kill returns false.
	Kill() bool

	// ClearPending drops a latched cancellation that no run has consumed,
	// retracting a kill that lost the race with a clean halt. A cancellation
	// already delivered as an exit is unaffected.
	ClearPending()

	// Dropped reports whether the owning driver has been closed.
	Dropped() bool
}

const runningBit = uint64(1) << 63

// interruptHandle implements InterruptHandle over three atomics.
//
// The low 63 bits of running count how many times the vCPU has entered the
// hypervisor; the generation prevents an ABA race where a vCPU is
// cancelled, quickly re-run, and the interruptor keeps signalling a run it
// no longer targets.
type interruptHandle struct {
	running    atomic.Uint64 // bit 63: running flag; bits 0-62: generation
	tid        atomic.Uint64
	cancel     atomic.Bool
	droppedBit atomic.Bool

	// sendSignal kicks the vCPU thread out of the blocking run syscall.
	// Nil for backends that only observe the cancel flag at exit
	// boundaries (the fake backend).
	sendSignal func(tid uint64)

	// retryDelay paces repeated signals while waiting for the vCPU thread
	// to observe the interrupt.
	retryDelay time.Duration
}

func newInterruptHandle(sendSignal func(tid uint64)) *interruptHandle {
	return &interruptHandle{
		sendSignal: sendSignal,
		retryDelay: 500 * time.Microsecond,
	}
}

// enterRun marks the vCPU running and bumps the generation. Called by the
// driver immediately before the blocking run syscall.
func (h *interruptHandle) enterRun(tid uint64) {
	h.tid.Store(tid)
	for {
		raw := h.running.Load()
		gen := raw &^ runningBit
		next := runningBit // generation wraps to zero at the limit
		if gen != runningBit-1 {
			next = (gen + 1) | runningBit
		}
		if h.running.CompareAndSwap(raw, next) {
			return
		}
	}
}

// leaveRun clears the running flag. Called when the run syscall returns.
func (h *interruptHandle) leaveRun() {
	for {
		raw := h.running.Load()
		if h.running.CompareAndSwap(raw, raw&^runningBit) {
			return
		}
	}
}

func (h *interruptHandle) runningAndGeneration() (bool, uint64) {
	raw := h.running.Load()
	return raw&runningBit != 0, raw &^ runningBit
}

// cancelRequested reports and does not clear the latched cancellation.
func (h *interruptHandle) cancelRequested() bool { return h.cancel.Load() }

// clearCancel resets the latch once the cancellation has been delivered as
// an ExitCancelled.
func (h *interruptHandle) clearCancel() { h.cancel.Store(false) }

func (h *interruptHandle) markDropped() { h.droppedBit.Store(true) }

func (h *interruptHandle) Kill() bool {
	h.cancel.Store(true)
	if h.sendSignal == nil {
		running, _ := h.runningAndGeneration()
		return running
	}
	sent := false
	var target uint64
	haveTarget := false
	for {
		running, gen := h.runningAndGeneration()
		if !running {
			break
		}
		if !haveTarget {
			target, haveTarget = gen, true
		} else if target != gen {
			// A newer run started; it will observe the latched cancel
			// itself. Signalling it would hit the wrong generation.
			break
		}
		h.sendSignal(h.tid.Load())
		sent = true
		time.Sleep(h.retryDelay)
	}
	return sent
}

func (h *interruptHandle) ClearPending() { h.cancel.Store(false) }

func (h *interruptHandle) Dropped() bool { return h.droppedBit.Load() }
