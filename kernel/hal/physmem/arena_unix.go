//go:build linux || darwin || freebsd || netbsd || openbsd

package physmem

import "golang.org/x/sys/unix"

// allocArena maps anonymous host memory so that RAM contents live outside
// the Go heap and pages are only committed by the host when touched.
func allocArena(length uintptr) ([]byte, func([]byte) error, error) {
	mem, err := unix.Mmap(-1, 0, int(length), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}

	return mem, unix.Munmap, nil
}
