//go:build !linux && !windows

package hypervisor

var probeOrder []Backend

func probeBackend(Backend) bool { return false }

func newPlatformDriver(b Backend) (Driver, error) {
	return nil, &ErrUnavailable{Backend: b, Reason: "no hypervisor backend on this platform"}
}
