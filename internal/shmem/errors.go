package shmem

import "errors"

// QueueError is a ring queue failure. Code returns the integer a C caller of
// the queue would have seen.
type QueueError struct {
	code int
	msg  string
}

func (e *QueueError) Error() string { return e.msg }

// Code returns the negative status code of the failure.
func (e *QueueError) Code() int { return e.code }

// Retryable reports whether the same push may succeed once the reader
// makes progress.
func (e *QueueError) Retryable() bool { return e == ErrQueueFull || e == ErrBadWritePosition }

// CorruptedCode is the status reported when the queue memory is inconsistent.
const CorruptedCode = -2

var (
	ErrQueueEmpty       = &QueueError{-1, "nanoagent: queue is empty"}
	ErrInvalidPositions = &QueueError{-1, "nanoagent: queue positions are invalid"}
	ErrWriteTooLarge    = &QueueError{-2, "nanoagent: write exceeds the queue write limit"}
	ErrCorrupted        = &QueueError{CorruptedCode, "nanoagent: queue memory is corrupted"}
	ErrQueueFull        = &QueueError{-3, "nanoagent: queue is full"}
	ErrBadWritePosition = &QueueError{-4, "nanoagent: write position is outside the queue"}
)

var (
	ErrTooManySegments = errors.New("nanoagent: too many data segments")
	ErrNameTooLong     = errors.New("nanoagent: queue name too long")
	ErrClosed          = errors.New("nanoagent: queue closed")
)

// Code maps err to the integer status of the queue API: 0 for nil, the
// QueueError code when there is one, -1 otherwise.
func Code(err error) int {
	if err == nil {
		return 0
	}
	var qe *QueueError
	if errors.As(err, &qe) {
		return qe.Code()
	}
	return -1
}
