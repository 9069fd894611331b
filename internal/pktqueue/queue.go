// Package pktqueue carries captured packets to a single consumer through a
// named queue inside a managed shared memory segment. Several queues can
// share one segment; each one has exactly one producer and one consumer.
package pktqueue

import (
	"errors"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"firestige.xyz/nanoagent/internal/byteorder"
	"firestige.xyz/nanoagent/internal/log"
	"firestige.xyz/nanoagent/internal/metrics"
)

const (
	// Capacity is the number of messages a queue holds at most.
	Capacity = 200

	// MaxRingSize caps the bytes one queue takes from its segment.
	MaxRingSize = 256 << 10
	minRingSize = 1 << 10

	// Queue header. Each side writes only its own pair of words.
	//
	//	0  pushed  uint64, producer
	//	8  write   uint64, producer, monotonic byte index
	//	16 popped  uint64, consumer
	//	24 read    uint64, consumer, monotonic byte index
	//	32 ring    uint64, size of the data ring
	//	40 data
	offPushed      = 0
	offWrite       = 8
	offPopped      = 16
	offRead        = 24
	offRing        = 32
	queueHeaderLen = 40

	msgHeaderLen = 10
)

var (
	ErrAlreadyInitialized = errors.New("nanoagent: packet queue already initialized")
	ErrNotInitialized     = errors.New("nanoagent: packet queue not initialized")
	ErrMessageTooLarge    = errors.New("nanoagent: packet does not fit the queue")
)

// Mode tells the consumer where the frame starts.
type Mode uint16

const (
	ModeL2 Mode = iota
	ModeL3
)

// Proto is the network protocol of a ModeL3 frame.
type Proto uint16

const (
	ProtoNone Proto = iota
	ProtoIPv4
	ProtoIPv6
)

// Message is one queued packet. Data is owned by the caller.
type Message struct {
	Mode    Mode
	L3Proto Proto
	MacLen  uint16
	IfIndex uint16
	Data    []byte
}

func constructQueue(b []byte, ring uint64) {
	clear(b[:queueHeaderLen])
	byteorder.Native.PutUint64(b[offRing:], ring)
}

// Queue is a handle on a named queue. The zero value is ready for Init.
type Queue struct {
	seg  *segment
	base int
	ring uint64
	name string
	log  logrus.FieldLogger
}

// Init attaches q to queueName inside the segment shmName, constructing the
// queue if it does not exist yet.
func (q *Queue) Init(shmName, queueName string) error {
	if q.seg != nil {
		return ErrAlreadyInitialized
	}
	l := log.Component("pktqueue").WithFields(logrus.Fields{"segment": shmName, "queue": queueName})

	seg, err := openSegment(shmName)
	if err != nil {
		l.WithError(err).Debug("segment not available")
		return err
	}
	base, err := seg.findOrConstruct(queueName)
	if err != nil {
		seg.close()
		l.WithError(err).Warn("failed to find or construct queue")
		return err
	}

	q.seg, q.base, q.name, q.log = seg, base, queueName, l
	q.ring = byteorder.Native.Uint64(seg.mem[base+offRing:])
	if q.ring == 0 || base+queueHeaderLen+int(q.ring) > len(seg.mem) {
		q.Close()
		return ErrSegmentInvalid
	}
	l.WithField("ring", q.ring).Debug("packet queue initialized")
	return nil
}

func (q *Queue) word(off int) *uint64 { return q.seg.u64(q.base + off) }

// copyIn writes b into the ring starting at the monotonic index at.
func (q *Queue) copyIn(at uint64, b []byte) {
	data := q.seg.mem[q.base+queueHeaderLen : q.base+queueHeaderLen+int(q.ring)]
	pos := int(at % q.ring)
	n := copy(data[pos:], b)
	copy(data, b[n:])
}

func (q *Queue) copyOut(at uint64, b []byte) {
	data := q.seg.mem[q.base+queueHeaderLen : q.base+queueHeaderLen+int(q.ring)]
	pos := int(at % q.ring)
	n := copy(b, data[pos:])
	copy(b[n:], data)
}

// Push appends a packet. It reports false without an error when the queue
// is full.
func (q *Queue) Push(msg []byte, mode Mode, l3proto Proto, l2len, ifIndex uint16) (bool, error) {
	if q.seg == nil {
		return false, ErrNotInitialized
	}
	need := uint64(msgHeaderLen + len(msg))
	if len(msg) > 0xffff || need > q.ring {
		return false, ErrMessageTooLarge
	}

	pushed := atomic.LoadUint64(q.word(offPushed))
	write := atomic.LoadUint64(q.word(offWrite))
	if pushed-atomic.LoadUint64(q.word(offPopped)) >= Capacity ||
		q.ring-(write-atomic.LoadUint64(q.word(offRead))) < need {
		metrics.PktQueueMessagesTotal.WithLabelValues(q.name, metrics.OpFull).Inc()
		return false, nil
	}

	var hdr [msgHeaderLen]byte
	byteorder.Native.PutUint16(hdr[0:], uint16(mode))
	byteorder.Native.PutUint16(hdr[2:], uint16(l3proto))
	byteorder.Native.PutUint16(hdr[4:], uint16(len(msg)))
	byteorder.Native.PutUint16(hdr[6:], l2len)
	byteorder.Native.PutUint16(hdr[8:], ifIndex)
	q.copyIn(write, hdr[:])
	q.copyIn(write+msgHeaderLen, msg)

	atomic.StoreUint64(q.word(offWrite), write+need)
	atomic.StoreUint64(q.word(offPushed), pushed+1)
	metrics.PktQueueMessagesTotal.WithLabelValues(q.name, metrics.OpPush).Inc()
	return true, nil
}

// Pop removes the oldest packet and returns a copy of it.
func (q *Queue) Pop() (*Message, bool) {
	if q.IsEmpty() {
		return nil, false
	}
	popped := atomic.LoadUint64(q.word(offPopped))
	read := atomic.LoadUint64(q.word(offRead))

	var hdr [msgHeaderLen]byte
	q.copyOut(read, hdr[:])
	m := &Message{
		Mode:    Mode(byteorder.Native.Uint16(hdr[0:])),
		L3Proto: Proto(byteorder.Native.Uint16(hdr[2:])),
		MacLen:  byteorder.Native.Uint16(hdr[6:]),
		IfIndex: byteorder.Native.Uint16(hdr[8:]),
		Data:    make([]byte, byteorder.Native.Uint16(hdr[4:])),
	}
	q.copyOut(read+msgHeaderLen, m.Data)

	atomic.StoreUint64(q.word(offRead), read+msgHeaderLen+uint64(len(m.Data)))
	atomic.StoreUint64(q.word(offPopped), popped+1)
	metrics.PktQueueMessagesTotal.WithLabelValues(q.name, metrics.OpPop).Inc()
	return m, true
}

// IsEmpty reports whether there is nothing to pop. A queue that is not
// initialized is empty.
func (q *Queue) IsEmpty() bool {
	if q.seg == nil {
		return true
	}
	return atomic.LoadUint64(q.word(offPushed)) == atomic.LoadUint64(q.word(offPopped))
}

// Clear pops everything currently queued.
func (q *Queue) Clear() {
	for !q.IsEmpty() {
		q.Pop()
	}
}

// Close detaches from the segment. The queue and its content stay in the
// segment for the peer.
func (q *Queue) Close() error {
	if q.seg == nil {
		return nil
	}
	err := q.seg.close()
	q.seg = nil
	return err
}
