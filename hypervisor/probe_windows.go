//go:build windows

package hypervisor

import (
	"fmt"
)

var probeOrder = []Backend{BackendWHP}

func probeBackend(b Backend) bool {
	if b != BackendWHP {
		return false
	}
	present, err := whpHypervisorPresent()
	return err == nil && present
}

func newPlatformDriver(b Backend) (Driver, error) {
	switch b {
	case BackendWHP:
		return newWHPDriver()
	case BackendKVM, BackendMSHV:
		return nil, &ErrUnavailable{Backend: b, Reason: "Linux-only backend"}
	default:
		return nil, fmt.Errorf("hypervisor: unsupported backend %s", b)
	}
}
