// Package shmem implements a single-producer single-consumer ring queue over
// a POSIX shared memory object. The writer and the reader may live in
// different processes; neither side blocks.
package shmem

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"firestige.xyz/nanoagent/internal/log"
)

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger the queue reports through.
func WithLogger(l logrus.FieldLogger) Option {
	return func(q *Queue) {
		q.log = l
	}
}

// Queue is one mapping of a shared ring queue. A queue has exactly one
// writer and one reader; each side owns its own Queue value.
type Queue struct {
	name     string
	segments uint16
	size     int32
	isOwner  bool
	isTx     bool

	file *os.File
	mem  []byte
	r    region
	log  logrus.FieldLogger
}

// Create maps the shared memory object name as a ring queue of segments
// data segments. The owner creates and initialises the object; a user maps
// an object the owner already created.
func Create(name string, segments uint16, isOwner, isTx bool, opts ...Option) (*Queue, error) {
	q := &Queue{
		name:     name,
		segments: segments,
		size:     int32(RegionSize(segments)),
		isOwner:  isOwner,
		isTx:     isTx,
		log:      log.Component("shmem"),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.log = q.log.WithFields(logrus.Fields{"queue": name, "owner": isOwner})

	if segments > MaxSegments {
		q.log.Warnf("cannot create queue with %d segments, the maximum is %d", segments, MaxSegments)
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManySegments, segments, MaxSegments)
	}
	if len(name) >= NameLen {
		return nil, fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}

	flag := unix.O_RDWR
	if isOwner {
		flag |= unix.O_CREAT
	}
	file, err := shmOpen(name, flag, 0o777)
	if err != nil {
		q.log.WithError(err).Warn("failed to open shared memory")
		return nil, &os.PathError{Op: "open", Path: name, Err: err}
	}

	// One extra byte keeps the object strictly larger than the mapping.
	if isOwner {
		if err := file.Truncate(int64(q.size) + 1); err != nil {
			file.Close()
			q.log.WithError(err).Warnf("failed to truncate shared memory to %d bytes", q.size+1)
			return nil, err
		}
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(q.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		q.log.WithError(err).Warnf("failed to map %d bytes", q.size)
		return nil, err
	}
	q.file, q.mem, q.r = file, mem, newRegion(mem)

	if isOwner {
		q.r.setName(name)
		q.r.setI32(offSize, q.size)
		q.r.setI32(offOwnerFd, int32(file.Fd()))
		q.Reset()
	} else {
		q.r.setI32(offUserFd, int32(file.Fd()))
	}

	w, rd := q.r.positions()
	q.log.WithFields(logrus.Fields{
		"segments": q.r.segments(),
		"size":     q.r.size(),
		"write":    w,
		"read":     rd,
	}).Debug("created shared ring queue")
	return q, nil
}

// Name returns the shared memory object name.
func (q *Queue) Name() string { return q.name }

// Segments returns the number of data segments the handle expects.
func (q *Queue) Segments() uint16 { return q.segments }

// IsOwner reports whether this handle created the object.
func (q *Queue) IsOwner() bool { return q.isOwner }

// Close unmaps the queue. The owner also unlinks the object.
func (q *Queue) Close() error {
	if q.mem == nil {
		return ErrClosed
	}
	if q.isOwner {
		q.r.setI32(offOwnerFd, 0)
	} else {
		q.r.setI32(offUserFd, 0)
	}

	var firstErr error
	if err := unix.Munmap(q.mem); err != nil {
		q.log.WithError(err).Warn("failed to unmap shared ring queue")
		firstErr = err
	}
	q.mem, q.r = nil, region{}
	if err := q.file.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if q.isOwner {
		if err := Unlink(q.name); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	q.log.Debug("destroyed shared ring queue")
	return firstErr
}

// Reset empties the queue in place.
func (q *Queue) Reset() {
	q.r.storeRead(0)
	q.r.storeWrite(0)
	q.r.setSegments(q.segments)
	for i := uint16(0); i < q.segments; i++ {
		q.r.setSlot(i, slotEmpty)
	}
}

// IsEmpty reports whether there is nothing to read.
func (q *Queue) IsEmpty() bool {
	w, r := q.r.positions()
	return w == r
}

// IsCorrupted reports whether the shared header disagrees with what this
// handle expects, e.g. because the peer re-created the object with another
// geometry or a stray write clobbered it.
func (q *Queue) IsCorrupted() bool {
	if q.segments == 0 || q.mem == nil {
		return false
	}
	w, r := q.r.positions()
	return q.r.segments() != q.segments ||
		q.r.size() != q.size ||
		r > q.segments ||
		w > q.segments ||
		q.r.name() != q.name
}

// loadPositions returns the current positions if the header is consistent.
func (q *Queue) loadPositions() (w, r uint16, ok bool) {
	if q.segments == 0 || q.mem == nil {
		return 0, 0, false
	}
	w, r = q.r.positions()
	if q.r.segments() != q.segments || q.r.size() != q.size {
		return 0, 0, false
	}
	if r > q.segments || w > q.segments {
		return 0, 0, false
	}
	return w, r, true
}

func segmentsNeeded(size uint16) uint16 {
	n := (uint32(size) + SegmentSize - 1) / SegmentSize
	if n == 0 {
		// An empty message still owns its length slot.
		n = 1
	}
	return uint16(n)
}

// hasRoom reports whether n segments fit without reaching an unread slot.
// The write position may never catch up with the read position, since equal
// positions mean empty.
func (q *Queue) hasRoom(w, r, n uint16) bool {
	segs := int(q.segments)
	wi, ri, ni := int(w), int(r), int(n)
	if ni >= segs {
		return false
	}
	// Behind the reader only the gap up to r is free. Wrapping would skip
	// over the unread tail.
	if wi < ri {
		return wi+ni < ri
	}
	// A wrapping write skips the tail and lands at 0.
	if wi+ni > segs {
		return ni < ri
	}
	// Ending at the tail moves the write position to 0.
	return wi+ni < segs || ri > 0
}

// Push writes bufs as a single message.
func (q *Queue) Push(bufs ...[]byte) error {
	w, r, ok := q.loadPositions()
	if !ok {
		q.log.Warn("corrupted shared memory, cannot push")
		return ErrInvalidPositions
	}

	total := 0
	for _, b := range bufs {
		total += len(b)
		if total > MaxWriteSize {
			q.log.Warnf("write of %d bytes exceeds the %d byte limit", total, MaxWriteSize)
			return ErrWriteTooLarge
		}
	}
	n := segmentsNeeded(uint16(total))

	if !q.hasRoom(w, r, n) {
		q.log.Debug("cannot write to a full queue")
		return ErrQueueFull
	}
	if w >= q.segments {
		q.log.Debugf("write position %d is outside the queue of %d segments", w, q.segments)
		return ErrBadWritePosition
	}

	if w+n > q.segments {
		for ; w < q.segments; w++ {
			q.r.setSlot(w, slotSkip)
		}
		w = 0
	}

	q.r.setSlot(w, uint16(total))
	dst := q.mem[HeaderSize+int(w)*SegmentSize:]
	for _, b := range bufs {
		dst = dst[copy(dst, b):]
	}
	w++
	for end := w + n - 1; w < end; w++ {
		q.r.setSlot(w, slotSkip)
	}
	if w >= q.segments {
		w = 0
	}
	q.r.storeWrite(w)
	return nil
}

// skipLeading frees SKIP slots at r and returns the first slot holding a message.
func (q *Queue) skipLeading(r uint16) uint16 {
	for ; r < q.segments && q.r.slot(r) == slotSkip; r++ {
		q.r.setSlot(r, slotEmpty)
	}
	if r == q.segments {
		r = 0
	}
	return r
}

// Peek returns the oldest message without consuming it. The slice points
// into shared memory and is valid until the next Pop or Reset.
func (q *Queue) Peek() ([]byte, error) {
	w, r, ok := q.loadPositions()
	if !ok {
		q.log.Warn("corrupted shared memory, cannot peek")
		return nil, ErrInvalidPositions
	}
	if r == w {
		return nil, ErrQueueEmpty
	}
	if r >= q.segments {
		q.log.Warnf("read position %d is outside the queue of %d segments", r, q.segments)
		return nil, ErrCorrupted
	}

	r = q.skipLeading(r)
	size := int(q.r.slot(r))
	start := HeaderSize + int(r)*SegmentSize
	if start+size > len(q.mem) {
		q.log.Warnf("message of %d bytes at segment %d overruns the queue", size, r)
		return nil, ErrCorrupted
	}
	q.r.storeRead(r)
	return q.mem[start : start+size : start+size], nil
}

// Pop discards the oldest message.
func (q *Queue) Pop() error {
	w, r, ok := q.loadPositions()
	if !ok {
		q.log.Warn("corrupted shared memory, cannot pop")
		return ErrInvalidPositions
	}
	if r == w {
		return ErrQueueEmpty
	}
	if r >= q.segments {
		return ErrCorrupted
	}

	r = q.skipLeading(r)
	n := segmentsNeeded(q.r.slot(r))
	if int(r)+int(n) > int(q.segments) {
		for ; r < q.segments; r++ {
			q.r.setSlot(r, slotEmpty)
		}
		r = 0
	}
	for end := r + n; r < end; r++ {
		q.r.setSlot(r, slotEmpty)
	}

	// A SKIP run after a published message is its wrapped tail. While the
	// queue is empty the run may belong to a write still in progress.
	if r < q.segments && r != w && q.r.slot(r) == slotSkip {
		for ; r < q.segments; r++ {
			q.r.setSlot(r, slotEmpty)
		}
	}
	if r >= q.segments {
		r = 0
	}
	q.r.storeRead(r)
	return nil
}
