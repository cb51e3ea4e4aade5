package camera

import (
	"sync"
	"sync/atomic"
)

// Frame is a single captured image with shared ownership over its native
// buffer. Frames are created by a capture backend and never mutated after
// publication. The buffer backing Bytes is released exactly once, when the
// last reference (the original plus every Retain) is dropped via Release.
type Frame struct {
	width  int
	height int
	fourcc string
	data   []byte

	refs        int32
	releaseOnce sync.Once
	releaseFn   func()
}

// NewFrame constructs a Frame taking ownership of data. releaseFn, if
// non-nil, is invoked exactly once when the last reference is released —
// this is the hook a backend uses to free or un-retain its native buffer.
func NewFrame(width, height int, fourcc string, data []byte, releaseFn func()) *Frame {
	return &Frame{
		width:     width,
		height:    height,
		fourcc:    fourcc,
		data:      data,
		refs:      1,
		releaseFn: releaseFn,
	}
}

// SizeAndFormat returns the frame's dimensions and pixel format code.
func (f *Frame) SizeAndFormat() (width, height int, fourcc string) {
	return f.width, f.height, f.fourcc
}

// Bytes returns a read-only view of the packed plane data. Valid for the
// lifetime of any reference to this Frame, even after the producing
// backend has stopped.
func (f *Frame) Bytes() []byte {
	return f.data
}

// Retain adds a reference and returns the frame for chaining.
func (f *Frame) Retain() *Frame {
	atomic.AddInt32(&f.refs, 1)
	return f
}

// Release drops a reference. When the last reference drops, the release
// callback supplied to NewFrame runs exactly once.
func (f *Frame) Release() {
	if atomic.AddInt32(&f.refs, -1) == 0 {
		f.releaseOnce.Do(func() {
			if f.releaseFn != nil {
				f.releaseFn()
			}
		})
	}
}
