// Package camera provides the latest-frame source consumed by the detection worker.
package camera

import (
	"sync"
	"time"
)

// Frame is one captured image. Data is JPEG-encoded and must not be modified once published.
type Frame struct {
	Data       []byte
	CapturedAt time.Time

	// Seq is assigned by Buffer.Publish and increases monotonically.
	Seq uint64
}

// Buffer is a single-slot mailbox holding the most recent frame.
// Publish overwrites; LatestFrame never blocks and never consumes.
type Buffer struct {
	mu      sync.Mutex
	frame   *Frame
	read    bool
	seq     uint64
	dropped uint64
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Publish stores data as the latest frame and stamps its sequence number.
// A previous frame that was never read counts as dropped.
func (b *Buffer) Publish(data []byte, capturedAt time.Time) *Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frame != nil && !b.read {
		b.dropped++
	}

	b.seq++
	b.frame = &Frame{Data: data, CapturedAt: capturedAt, Seq: b.seq}
	b.read = false
	return b.frame
}

// LatestFrame returns the most recent frame, or false when nothing was published yet.
func (b *Buffer) LatestFrame() (*Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.frame == nil {
		return nil, false
	}
	b.read = true
	return b.frame, true
}

// Dropped returns how many frames were overwritten before anyone read them.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Reset clears the buffer so a stale frame is not served after the source goes away.
// Sequence numbers keep increasing across resets.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frame = nil
	b.read = false
}
