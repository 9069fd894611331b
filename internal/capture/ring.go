package capture

import "fmt"

const (
	tpacketAlignment = 16
	// tpacketHdrLen approximates TPACKET3_HDRLEN plus the sockaddr_ll.
	tpacketHdrLen = 52
	maxBlockSize  = 4 << 20
)

// recomputeSize derives a TPACKET_V3 ring geometry close to bufferMB
// megabytes. Frames are aligned to TPACKET_ALIGNMENT and a block holds whole
// pages as well as whole frames.
func recomputeSize(bufferMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	if bufferMB <= 0 {
		return 0, 0, 0, fmt.Errorf("buffer_size_mb must be positive, got %d", bufferMB)
	}
	if snapLen <= 0 {
		return 0, 0, 0, fmt.Errorf("snap_len must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return 0, 0, 0, fmt.Errorf("page size must be a positive multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	frameSize = alignUp(tpacketHdrLen+snapLen, tpacketAlignment)

	blockSize = lcm(pageSize, frameSize)
	if blockSize > maxBlockSize {
		// No practical block fits whole frames and whole pages at this
		// frame size, so grow frames to whole pages.
		frameSize = alignUp(frameSize, pageSize)
		blockSize = max(maxBlockSize/frameSize, 1) * frameSize
	}

	numBlocks = max((bufferMB<<20)/blockSize, 1)
	return frameSize, blockSize, numBlocks, nil
}

func alignUp(n, to int) int {
	return (n + to - 1) / to * to
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return a / gcd(a, b) * b
}
