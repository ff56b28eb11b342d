package kfmt

import "io"

// ringBufferSize defines size of the ring buffer that buffers early Printf
// output. It is large enough to hold the memory map dump and allocator
// statistics printed during boot. The ring buffer size must always be a
// power of 2.
const ringBufferSize = 4096

// ringBuffer captures Printf output before an output sink is attached. When
// full, new writes overwrite the oldest unread bytes.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	const mask = ringBufferSize - 1

	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & mask

		// drop the oldest byte
		if rb.wIndex == rb.rIndex {
			rb.rIndex = (rb.rIndex + 1) & mask
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. Data that wraps around the end of the
// buffer is returned by two successive calls.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	limit := rb.wIndex
	if rb.rIndex > rb.wIndex {
		limit = ringBufferSize
	}

	n := copy(p, rb.buffer[rb.rIndex:limit])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	return n, nil
}
