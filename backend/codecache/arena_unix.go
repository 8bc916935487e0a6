//go:build unix

package codecache

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// mapArena maps size bytes for generated code. Hosts that refuse writable and
// executable mappings get a writable one; Protect flips it later.
func mapArena(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err == nil {
		return mem, nil
	}
	mem, err = unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %d bytes of code memory", size)
	}
	return mem, nil
}

func unmapArena(mem []byte) error {
	return unix.Munmap(mem)
}

func protectArena(mem []byte, executable bool) error {
	prot := unix.PROT_READ | unix.PROT_WRITE
	if executable {
		prot = unix.PROT_READ | unix.PROT_EXEC
	}
	return unix.Mprotect(mem, prot)
}
