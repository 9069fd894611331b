package shmem

import (
	"bufio"
	"fmt"
	"io"
)

// Dump writes the header, the management slots and every data segment of
// the queue to w. Printable bytes are written as is, the rest as hex.
func (q *Queue) Dump(w io.Writer) error {
	if q.mem == nil {
		return ErrClosed
	}
	bw := bufio.NewWriter(w)
	wp, rp := q.r.positions()
	segs := q.r.segments()
	if segs > MaxSegments {
		segs = MaxSegments
	}
	if limit := uint16((len(q.mem) - HeaderSize) / SegmentSize); segs > limit {
		segs = limit
	}

	fmt.Fprintf(bw, "owner_fd: %d, user_fd: %d, size_of_memory: %d, write_pos: %d, read_pos: %d, num_of_data_segments: %d\n",
		q.r.i32(offOwnerFd), q.r.i32(offUserFd), q.r.size(), wp, rp, q.r.segments())

	bw.WriteString("mgmt_segment:")
	for i := uint16(0); i < segs; i++ {
		sep := ", "
		if i == 0 {
			sep = " "
		}
		fmt.Fprintf(bw, "%s%d", sep, q.r.slot(i))
	}

	bw.WriteString("\ndata_segment: ")
	for i := uint16(0); i < segs; i++ {
		fmt.Fprintf(bw, "\nMgmt index: %d, value: %d,\nactual data: ", i, q.r.slot(i))
		for _, c := range q.r.segment(i) {
			if c >= 0x20 && c < 0x7f {
				bw.WriteByte(c)
			} else {
				fmt.Fprintf(bw, "%02X", c)
			}
		}
	}
	bw.WriteString("\nEnd of memory\n")
	return bw.Flush()
}
