package hypervisor

import (
	"sync/atomic"
)

// Operation counters for driver activity, shared across all backends.
var (
	driverCreateCount uint64
	driverCloseCount  uint64
	mapOperations     uint64
	runOperations     uint64

	exitHostCallCount uint64
	exitPrintCount    uint64
	exitAbortCount    uint64
	exitFaultCount    uint64
	exitHaltCount     uint64
	exitUnknownCount  uint64
	cancellationCount uint64
)

// Metrics is a point-in-time snapshot of driver activity.
type Metrics struct {
	DriversCreated uint64 `json:"drivers_created"`
	DriversClosed  uint64 `json:"drivers_closed"`
	MapOperations  uint64 `json:"map_operations"`
	RunOperations  uint64 `json:"run_operations"`
	HostCallExits  uint64 `json:"host_call_exits"`
	PrintExits     uint64 `json:"print_exits"`
	AbortExits     uint64 `json:"abort_exits"`
	FaultExits     uint64 `json:"fault_exits"`
	HaltExits      uint64 `json:"halt_exits"`
	UnknownExits   uint64 `json:"unknown_exits"`
	Cancellations  uint64 `json:"cancellations"`
}

// GetMetrics returns current driver metrics.
func GetMetrics() Metrics {
	return Metrics{
		DriversCreated: atomic.LoadUint64(&driverCreateCount),
		DriversClosed:  atomic.LoadUint64(&driverCloseCount),
		MapOperations:  atomic.LoadUint64(&mapOperations),
		RunOperations:  atomic.LoadUint64(&runOperations),
		HostCallExits:  atomic.LoadUint64(&exitHostCallCount),
		PrintExits:     atomic.LoadUint64(&exitPrintCount),
		AbortExits:     atomic.LoadUint64(&exitAbortCount),
		FaultExits:     atomic.LoadUint64(&exitFaultCount),
		HaltExits:      atomic.LoadUint64(&exitHaltCount),
		UnknownExits:   atomic.LoadUint64(&exitUnknownCount),
		Cancellations:  atomic.LoadUint64(&cancellationCount),
	}
}

// ResetMetrics clears all driver metrics.
func ResetMetrics() {
	for _, p := range []*uint64{
		&driverCreateCount, &driverCloseCount, &mapOperations, &runOperations,
		&exitHostCallCount, &exitPrintCount, &exitAbortCount, &exitFaultCount,
		&exitHaltCount, &exitUnknownCount, &cancellationCount,
	} {
		atomic.StoreUint64(p, 0)
	}
}

func recordDriverCreate(Backend) { atomic.AddUint64(&driverCreateCount, 1) }
func recordDriverClose(Backend)  { atomic.AddUint64(&driverCloseCount, 1) }
func recordMapOperation()        { atomic.AddUint64(&mapOperations, 1) }
func recordRun()                 { atomic.AddUint64(&runOperations, 1) }
func recordCancellation()        { atomic.AddUint64(&cancellationCount, 1) }

func recordExit(e Exit) {
	switch e.(type) {
	case ExitHostCall:
		atomic.AddUint64(&exitHostCallCount, 1)
	case ExitPrint:
		atomic.AddUint64(&exitPrintCount, 1)
	case ExitAbort:
		atomic.AddUint64(&exitAbortCount, 1)
	case ExitFault:
		atomic.AddUint64(&exitFaultCount, 1)
	case ExitHalt:
		atomic.AddUint64(&exitHaltCount, 1)
	case ExitUnknown:
		atomic.AddUint64(&exitUnknownCount, 1)
	}
}
