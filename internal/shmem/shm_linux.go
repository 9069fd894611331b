package shmem

import (
	"os"
	"strings"

	"golang.org/x/sys/unix"
)

// DevShm is where Linux exposes POSIX shared memory objects.
const DevShm = "/dev/shm/"

// Path returns the file backing the shared memory object name.
func Path(name string) string {
	return DevShm + strings.TrimLeft(name, "/")
}

func shmOpen(name string, flag int, perm os.FileMode) (*os.File, error) {
	trimmed := strings.TrimLeft(name, "/")
	if trimmed == "" || strings.Contains(trimmed, "/") {
		return nil, unix.EINVAL
	}

	fd, err := unix.Open(DevShm+trimmed, flag|unix.O_CLOEXEC, uint32(perm.Perm()))
	if err != nil {
		return nil, err
	}
	return os.NewFile(uintptr(fd), name), nil
}

func shmUnlink(name string) error {
	trimmed := strings.TrimLeft(name, "/")
	if trimmed == "" {
		return unix.EINVAL
	}
	return unix.Unlink(DevShm + trimmed)
}

// Unlink removes a shared memory object. Mappings that are still open stay
// valid until they are unmapped.
func Unlink(name string) error {
	if err := shmUnlink(name); err != nil {
		return &os.PathError{Op: "unlink", Path: name, Err: err}
	}
	return nil
}
