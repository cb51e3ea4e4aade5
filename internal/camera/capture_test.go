package camera

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPickSmallest420Stream_MinHeightFirstOccurrence(t *testing.T) {
	streams := []StreamDescriptor{
		{Width: 1280, Height: 720, FourCC: FourCC420v},
		{Width: 640, Height: 480, FourCC: "YUY2"}, // not 4:2:0, excluded
		{Width: 640, Height: 480, FourCC: FourCC420v},
		{Width: 640, Height: 480, FourCC: FourCCv024}, // same height, later occurrence
	}
	got, err := pickSmallest420(streams)
	if err != nil {
		t.Fatalf("pickSmallest420: %v", err)
	}
	want := streams[2]
	if got != want {
		t.Fatalf("got %+v, want %+v (first occurrence at min height)", got, want)
	}
}

func TestPickSmallest420Stream_NoMatch(t *testing.T) {
	_, err := pickSmallest420([]StreamDescriptor{{Width: 640, Height: 480, FourCC: "YUY2"}})
	if err != ErrNoMatchingStream {
		t.Fatalf("got err %v, want ErrNoMatchingStream", err)
	}
}

func TestFrameRelease_ExactlyOnce(t *testing.T) {
	var released int32
	f := NewFrame(2, 2, FourCC420v, make([]byte, 6), func() {
		atomic.AddInt32(&released, 1)
	})
	f.Retain()
	f.Retain()
	f.Release()
	f.Release()
	if atomic.LoadInt32(&released) != 0 {
		t.Fatalf("released before last reference dropped")
	}
	f.Release()
	if got := atomic.LoadInt32(&released); got != 1 {
		t.Fatalf("release callback ran %d times, want 1", got)
	}
	f.Release() // extra release must not double-fire
	if got := atomic.LoadInt32(&released); got != 1 {
		t.Fatalf("release callback ran %d times after extra Release, want 1", got)
	}
}

func TestSyntheticDevice_FrameSizeInvariant(t *testing.T) {
	backend := NewSyntheticBackend(SyntheticConfig{Width: 640, Height: 480, FPS: 60})
	dev, err := backend.Open(DefaultDevice)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	stream, err := dev.PickSmallest420Stream()
	if err != nil {
		t.Fatalf("PickSmallest420Stream: %v", err)
	}
	if err := dev.Start(stream); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer dev.Stop()

	seq := dev.Frames()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f, ok := seq.Next(ctx)
	if !ok {
		t.Fatalf("Next returned no frame before timeout")
	}
	defer f.Release()

	w, h, fourcc := f.SizeAndFormat()
	if w*h != len(f.Bytes())-((w/2)*(h/2)*2) {
		t.Fatalf("y-plane size mismatch: w*h=%d, total=%d", w*h, len(f.Bytes()))
	}
	if got, want := len(f.Bytes()), w*h*3/2; got < want {
		t.Fatalf("frame too small: got %d bytes, want >= %d (4:2:0 planar)", got, want)
	}
	if !Is420Video(fourcc) {
		t.Fatalf("unexpected fourcc %q", fourcc)
	}
}

func TestSyntheticDevice_StopEndsSequence(t *testing.T) {
	backend := NewSyntheticBackend(SyntheticConfig{Width: 320, Height: 240, FPS: 100})
	dev, _ := backend.Open(DefaultDevice)
	stream, _ := dev.PickSmallest420Stream()
	if err := dev.Start(stream); err != nil {
		t.Fatalf("Start: %v", err)
	}

	seq := dev.Frames()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, ok := seq.Next(ctx)
	if !ok {
		t.Fatalf("expected at least one frame before stop")
	}
	f.Release()

	if err := dev.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	doneCtx, doneCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer doneCancel()
	if _, ok := seq.Next(doneCtx); ok {
		t.Fatalf("Next returned a frame after Stop, want end-of-stream")
	}
}

func TestSyntheticDevice_StartIdempotent(t *testing.T) {
	backend := NewSyntheticBackend(DefaultSyntheticConfig())
	dev, _ := backend.Open(DefaultDevice)
	stream, _ := dev.PickSmallest420Stream()
	if err := dev.Start(stream); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer dev.Stop()
	if err := dev.Start(stream); err != nil {
		t.Fatalf("second Start (should be idempotent no-op): %v", err)
	}
}

func TestSyntheticDevice_RejectsOddDimensions(t *testing.T) {
	backend := NewSyntheticBackend(DefaultSyntheticConfig())
	dev, _ := backend.Open(DefaultDevice)
	err := dev.Start(StreamDescriptor{Width: 641, Height: 480, FourCC: FourCC420v})
	if err == nil {
		t.Fatalf("expected error starting with odd width")
	}
}
