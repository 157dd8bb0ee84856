package hyperlight

import (
	"sync/atomic"
)

// Sandbox lifecycle counters, shared by every sandbox in the process. Driver
// level activity has its own counters in the hypervisor package.
var (
	evolutionCount   uint64
	callCount        uint64
	callErrorCount   uint64
	restoreCount     uint64
	hostCallCount    uint64
	sandboxFinishCnt uint64
)

// Metrics is a point-in-time snapshot of sandbox activity.
type Metrics struct {
	Evolutions        uint64 `json:"evolutions"`
	Calls             uint64 `json:"calls"`
	CallErrors        uint64 `json:"call_errors"`
	Restores          uint64 `json:"restores"`
	HostCalls         uint64 `json:"host_calls"`
	SandboxesFinished uint64 `json:"sandboxes_finished"`
}

// GetMetrics returns current sandbox metrics.
func GetMetrics() Metrics {
	return Metrics{
		Evolutions:        atomic.LoadUint64(&evolutionCount),
		Calls:             atomic.LoadUint64(&callCount),
		CallErrors:        atomic.LoadUint64(&callErrorCount),
		Restores:          atomic.LoadUint64(&restoreCount),
		HostCalls:         atomic.LoadUint64(&hostCallCount),
		SandboxesFinished: atomic.LoadUint64(&sandboxFinishCnt),
	}
}

// ResetMetrics clears all sandbox metrics.
func ResetMetrics() {
	for _, p := range []*uint64{
		&evolutionCount, &callCount, &callErrorCount,
		&restoreCount, &hostCallCount, &sandboxFinishCnt,
	} {
		atomic.StoreUint64(p, 0)
	}
}

func recordEvolution() { atomic.AddUint64(&evolutionCount, 1) }
func recordRestore()   { atomic.AddUint64(&restoreCount, 1) }
func recordHostCall()  { atomic.AddUint64(&hostCallCount, 1) }
func recordFinish()    { atomic.AddUint64(&sandboxFinishCnt, 1) }

func recordCall(err error) {
	atomic.AddUint64(&callCount, 1)
	if err != nil {
		atomic.AddUint64(&callErrorCount, 1)
	}
}
