package encoder

import "sync/atomic"

// PictureLossFlag is a shared atomic boolean set by the RTCP reader on
// receipt of a picture-loss indication and cleared by the encoder the
// next time it checks. Clear-on-read means at most one forced keyframe
// per PLI burst: concurrent PLIs arriving during one encode call coalesce
// into a single forced keyframe on the next call.
type PictureLossFlag struct {
	set int32
}

// Set marks a picture loss. Called from the RTCP reader goroutine.
func (f *PictureLossFlag) Set() {
	atomic.StoreInt32(&f.set, 1)
}

// ReadAndClear reports whether a picture loss was signaled since the
// last ReadAndClear, clearing the flag as it reads it.
func (f *PictureLossFlag) ReadAndClear() bool {
	return atomic.SwapInt32(&f.set, 0) == 1
}
