package pktqueue

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"firestige.xyz/nanoagent/internal/byteorder"
	"firestige.xyz/nanoagent/internal/shmem"
)

// Segment layout. All fields are in host byte order.
//
//	0    magic      uint32
//	4    version    uint32
//	8    size       uint64
//	16   next free  uint64, offset of the first unallocated byte
//	24   directory  [maxQueues]{name [48]byte, offset uint64}
//	512  queues, allocated front to back
const (
	segMagic   = 0x4e504b51
	segVersion = 1

	offSegMagic   = 0
	offSegVersion = 4
	offSegSize    = 8
	offSegNext    = 16
	offDirectory  = 24

	maxQueues    = 8
	queueNameLen = 48
	dirEntryLen  = queueNameLen + 8
	segHeaderLen = 512

	// MinSegmentSize fits the header and one small queue.
	MinSegmentSize = segHeaderLen + queueHeaderLen + minRingSize
)

var (
	ErrSegmentNotFound = errors.New("nanoagent: packet queue segment not found")
	ErrSegmentExists   = errors.New("nanoagent: packet queue segment already exists")
	ErrSegmentInvalid  = errors.New("nanoagent: packet queue segment is not valid")
	ErrSegmentFull     = errors.New("nanoagent: packet queue segment has no room for another queue")
	ErrQueueNameLen    = errors.New("nanoagent: packet queue name too long")
)

// CreateSegment creates an empty managed segment of size bytes. It fails if
// the segment already exists.
func CreateSegment(name string, size int) error {
	if size < MinSegmentSize {
		return fmt.Errorf("%w: size %d is below %d", ErrSegmentInvalid, size, MinSegmentSize)
	}
	fd, err := unix.Open(shmem.Path(name), unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o666)
	if err != nil {
		if errors.Is(err, unix.EEXIST) {
			return fmt.Errorf("%w: %s", ErrSegmentExists, name)
		}
		return &os.PathError{Op: "create", Path: name, Err: err}
	}
	defer unix.Close(fd)

	// Producers and consumers usually run under different accounts.
	if err := unix.Fchmod(fd, 0o666); err != nil {
		shmem.Unlink(name)
		return &os.PathError{Op: "chmod", Path: name, Err: err}
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		shmem.Unlink(name)
		return &os.PathError{Op: "truncate", Path: name, Err: err}
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		shmem.Unlink(name)
		return &os.PathError{Op: "mmap", Path: name, Err: err}
	}
	defer unix.Munmap(mem)

	byteorder.Native.PutUint32(mem[offSegVersion:], segVersion)
	byteorder.Native.PutUint64(mem[offSegSize:], uint64(size))
	byteorder.Native.PutUint64(mem[offSegNext:], segHeaderLen)
	byteorder.Native.PutUint32(mem[offSegMagic:], segMagic)
	return nil
}

// RemoveSegment unlinks a segment. Queues that have it mapped keep working
// until they are closed.
func RemoveSegment(name string) error {
	return shmem.Unlink(name)
}

type segment struct {
	name string
	fd   int
	mem  []byte
}

func openSegment(name string) (*segment, error) {
	fd, err := unix.Open(shmem.Path(name), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: %s", ErrSegmentNotFound, name)
		}
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		unix.Close(fd)
		return nil, &os.PathError{Op: "stat", Path: name, Err: err}
	}
	if st.Size < MinSegmentSize {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrSegmentInvalid, name, st.Size)
	}
	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, &os.PathError{Op: "mmap", Path: name, Err: err}
	}

	s := &segment{name: name, fd: fd, mem: mem}
	if byteorder.Native.Uint32(mem[offSegMagic:]) != segMagic ||
		byteorder.Native.Uint32(mem[offSegVersion:]) != segVersion ||
		byteorder.Native.Uint64(mem[offSegSize:]) > uint64(len(mem)) {
		s.close()
		return nil, fmt.Errorf("%w: %s", ErrSegmentInvalid, name)
	}
	return s, nil
}

func (s *segment) close() error {
	err := unix.Munmap(s.mem)
	s.mem = nil
	if cerr := unix.Close(s.fd); err == nil {
		err = cerr
	}
	return err
}

// findOrConstruct returns the offset of the queue called name, allocating it
// if no process did so yet. The directory is guarded by an flock on the
// segment so that concurrent openers agree on one queue.
func (s *segment) findOrConstruct(name string) (int, error) {
	if name == "" || len(name) >= queueNameLen {
		return 0, fmt.Errorf("%w: %q", ErrQueueNameLen, name)
	}
	if err := unix.Flock(s.fd, unix.LOCK_EX); err != nil {
		return 0, &os.PathError{Op: "flock", Path: s.name, Err: err}
	}
	defer unix.Flock(s.fd, unix.LOCK_UN)

	free := -1
	for i := 0; i < maxQueues; i++ {
		entry := s.mem[offDirectory+i*dirEntryLen:]
		off := byteorder.Native.Uint64(entry[queueNameLen:])
		if off == 0 {
			if free < 0 {
				free = i
			}
			continue
		}
		stored := entry[:queueNameLen]
		if n := bytes.IndexByte(stored, 0); n >= 0 {
			stored = stored[:n]
		}
		if string(stored) == name {
			return int(off), nil
		}
	}
	if free < 0 {
		return 0, fmt.Errorf("%w: all %d queues are taken", ErrSegmentFull, maxQueues)
	}

	size := int(byteorder.Native.Uint64(s.mem[offSegSize:]))
	next := int(byteorder.Native.Uint64(s.mem[offSegNext:]))
	ring := min(size-next-queueHeaderLen, MaxRingSize)
	ring &^= 7
	if ring < minRingSize {
		return 0, fmt.Errorf("%w: %d bytes left", ErrSegmentFull, size-next)
	}

	constructQueue(s.mem[next:], uint64(ring))
	byteorder.Native.PutUint64(s.mem[offSegNext:], uint64(next+queueHeaderLen+ring))

	entry := s.mem[offDirectory+free*dirEntryLen:]
	clear(entry[:queueNameLen])
	copy(entry, name)
	byteorder.Native.PutUint64(entry[queueNameLen:], uint64(next))
	return next, nil
}

// u64 returns the word at off for atomic access. off must be 8-byte aligned
// relative to the page aligned mapping.
func (s *segment) u64(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&s.mem[off]))
}
