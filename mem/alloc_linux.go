//go:build linux

package mem

import (
	"golang.org/x/sys/unix"
)

// allocAligned mmaps an anonymous page-aligned buffer. KVM and mshv both
// require the userspace address handed to the map ioctl to be host
// page-aligned; mmap gives that for free.
func allocAligned(size int) ([]byte, func() error, error) {
	buf, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, nil, err
	}
	free := func() error { return unix.Munmap(buf) }
	return buf, free, nil
}
