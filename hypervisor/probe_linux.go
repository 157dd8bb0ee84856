//go:build linux

package hypervisor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

var probeOrder = []Backend{BackendKVM, BackendMSHV}

func probeBackend(b Backend) bool {
	var device string
	switch b {
	case BackendKVM:
		device = kvmDevice
	case BackendMSHV:
		device = mshvDevice
	default:
		return false
	}
	return unix.Access(device, unix.R_OK|unix.W_OK) == nil
}

func newPlatformDriver(b Backend) (Driver, error) {
	switch b {
	case BackendKVM:
		return newKVMDriver()
	case BackendMSHV:
		return newMSHVDriver()
	case BackendWHP:
		return nil, &ErrUnavailable{Backend: b, Reason: "WHP is Windows-only"}
	default:
		return nil, fmt.Errorf("hypervisor: unsupported backend %s", b)
	}
}
