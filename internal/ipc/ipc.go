// Package ipc pairs two shared ring queues into a bidirectional channel
// between an owner process and a user process.
package ipc

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"firestige.xyz/nanoagent/internal/log"
	"firestige.xyz/nanoagent/internal/shmem"
)

// MaxNameLen bounds the channel name. Queue names add a fixed prefix and
// suffix and must still fit the name field of the shared region.
const MaxNameLen = 32

// ErrNameTooLong is returned by Init for channel names of MaxNameLen or more.
var ErrNameTooLong = errors.New("nanoagent: ipc name too long")

// Option configures an IPC.
type Option func(*IPC)

// WithLogger sets the logger the channel and its queues report through.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *IPC) {
		c.log = l
	}
}

// IPC is one side of a channel. The owner creates the shared objects; the
// user maps them. What the owner sends the user receives, and vice versa.
type IPC struct {
	name    string
	isOwner bool
	rx      *shmem.Queue
	tx      *shmem.Queue
	log     logrus.FieldLogger
}

// isTowardsOwner reports whether a queue carries messages to the owner.
// The owner's receive queue and the user's send queue are the same object.
func isTowardsOwner(isOwner, isTx bool) bool {
	if isOwner {
		return !isTx
	}
	return isTx
}

// QueueName returns the shared memory object backing one direction of the
// channel name as seen from the given side.
func QueueName(name string, isOwner, isTx bool) string {
	direction := "tx"
	if isTowardsOwner(isOwner, isTx) {
		direction = "rx"
	}
	return fmt.Sprintf("__cp_nano_%s_shared_memory_%s__", direction, name)
}

// Init opens both queues of the channel name. The receive queue is created
// first. On any failure whatever was created is torn down and a nil IPC is
// returned. uid and gid identify the peer and are only reported.
func Init(name string, uid, gid uint32, isOwner bool, segments uint16, opts ...Option) (*IPC, error) {
	c := &IPC{name: name, isOwner: isOwner, log: log.Component("ipc")}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithField("channel", name)
	c.log.WithFields(logrus.Fields{
		"uid":      uid,
		"gid":      gid,
		"owner":    isOwner,
		"segments": segments,
	}).Debug("initializing ipc")

	if len(name) >= MaxNameLen {
		return nil, fmt.Errorf("%w: %q", ErrNameTooLong, name)
	}

	var err error
	if c.rx, err = c.openQueue(false, segments); err != nil {
		c.log.WithError(err).Warn("failed to allocate rx queue")
		c.Close()
		return nil, err
	}
	if c.tx, err = c.openQueue(true, segments); err != nil {
		c.log.WithError(err).Warn("failed to allocate tx queue")
		c.Close()
		return nil, err
	}
	c.log.Debug("successfully allocated ipc")
	return c, nil
}

func (c *IPC) openQueue(isTx bool, segments uint16) (*shmem.Queue, error) {
	qname := QueueName(c.name, c.isOwner, isTx)
	q, err := shmem.Create(qname, segments, c.isOwner, isTowardsOwner(c.isOwner, isTx), shmem.WithLogger(c.log))
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", qname, err)
	}
	if c.isOwner {
		// The user side usually runs under another account.
		if err := os.Chmod(shmem.Path(qname), 0o666); err != nil {
			q.Close()
			return nil, fmt.Errorf("set permissions of %s: %w", qname, err)
		}
	}
	return q, nil
}

// Name returns the channel name.
func (c *IPC) Name() string { return c.name }

// IsOwner reports whether this side created the channel.
func (c *IPC) IsOwner() bool { return c.isOwner }

// Close unmaps both queues. The owner also removes the shared objects.
func (c *IPC) Close() error {
	c.log.Debug("destroying ipc queues")
	var errs []error
	if c.rx != nil {
		errs = append(errs, c.rx.Close())
		c.rx = nil
	}
	if c.tx != nil {
		errs = append(errs, c.tx.Close())
		c.tx = nil
	}
	return errors.Join(errs...)
}

// Send writes data as one message towards the peer.
func (c *IPC) Send(data []byte) error {
	if c.tx == nil {
		return shmem.ErrClosed
	}
	return c.tx.Push(data)
}

// SendChunked writes chunks back to back as a single message.
func (c *IPC) SendChunked(chunks ...[]byte) error {
	if c.tx == nil {
		return shmem.ErrClosed
	}
	return c.tx.Push(chunks...)
}

// Receive returns the oldest message from the peer without consuming it.
// The slice aliases shared memory and is valid until Pop.
func (c *IPC) Receive() ([]byte, error) {
	if c.rx == nil {
		return nil, shmem.ErrClosed
	}
	return c.rx.Peek()
}

// Pop consumes the message returned by Receive.
func (c *IPC) Pop() error {
	if c.rx == nil {
		return shmem.ErrClosed
	}
	return c.rx.Pop()
}

// IsDataAvailable reports whether the peer sent something not yet popped.
func (c *IPC) IsDataAvailable() bool {
	return c.rx != nil && !c.rx.IsEmpty()
}

// Reset empties both directions. It does nothing once the channel is closed.
func (c *IPC) Reset() {
	if c.rx == nil || c.tx == nil {
		return
	}
	c.log.Debug("resetting ipc queues")
	c.rx.Reset()
	c.tx.Reset()
}

// IsCorrupted reports whether either queue fails its consistency checks. A
// closed channel maps nothing and is not corrupted.
func (c *IPC) IsCorrupted() bool {
	if c.rx == nil || c.tx == nil {
		return false
	}
	if c.rx.IsCorrupted() || c.tx.IsCorrupted() {
		c.log.Warn("detected corrupted shared memory queue")
		return true
	}
	return false
}

// Dump writes the memory of both queues to w.
func (c *IPC) Dump(w io.Writer) error {
	if c.rx == nil || c.tx == nil {
		return shmem.ErrClosed
	}
	if _, err := io.WriteString(w, "Ipc memory dump:\nRX queue:\n"); err != nil {
		return err
	}
	if err := c.rx.Dump(w); err != nil {
		return err
	}
	if _, err := io.WriteString(w, "TX queue:\n"); err != nil {
		return err
	}
	return c.tx.Dump(w)
}
