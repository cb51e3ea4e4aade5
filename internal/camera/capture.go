// Package camera defines the backend-neutral camera capture abstraction:
// device enumeration, stream selection, and a lazy infinite sequence of
// reference-counted frames. Concrete backends (linux.go, darwin.go,
// synthetic.go) conform to this contract; nothing in this file depends on
// a particular OS camera API.
package camera

import (
	"context"
	"errors"
	"fmt"
)

// 4:2:0 video-range planar formats of interest. Some backends report the
// NV12-equivalent format as "420v", others as "v024" — see DESIGN.md for
// why both are treated as the same format here.
const (
	FourCC420v = "420v"
	FourCCv024 = "v024"
	FourCCI420 = "I420"
	FourCCYV12 = "YV12"
	FourCCNV12 = "NV12"
)

var nv12Aliases = map[string]bool{
	FourCC420v: true,
	FourCCv024: true,
	FourCCNV12: true,
}

// Is420Video reports whether fourcc identifies a 4:2:0 video-range planar
// format, covering the backend-specific aliases for the same format.
func Is420Video(fourcc string) bool {
	return nv12Aliases[fourcc]
}

var (
	ErrDeviceUnavailable = errors.New("camera: device unavailable")
	ErrUnsupportedFormat = errors.New("camera: unsupported format")
	ErrNoMatchingStream  = errors.New("camera: no 4:2:0 stream advertised")
	ErrNotStarted        = errors.New("camera: device not started")
)

// DeviceDescriptor identifies a camera: either the sentinel "default" or a
// platform-specific device URI. Immutable once constructed.
type DeviceDescriptor struct {
	ID   string
	Name string
}

func (d DeviceDescriptor) String() string {
	if d.Name == "" {
		return d.ID
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.ID)
}

// DefaultDevice is the sentinel descriptor selecting whatever device a
// backend considers its default.
var DefaultDevice = DeviceDescriptor{ID: "default", Name: "default"}

// StreamDescriptor is a (width, height, fourcc) tuple a device advertises.
type StreamDescriptor struct {
	Width  int
	Height int
	FourCC string
}

func (s StreamDescriptor) String() string {
	return fmt.Sprintf("%dx%d/%s", s.Width, s.Height, s.FourCC)
}

// Backend enumerates the devices it knows how to open and opens them.
type Backend interface {
	EnumerateDevices() ([]DeviceDescriptor, error)
	Open(device DeviceDescriptor) (Device, error)
}

// FrameSequence is a lazy infinite sequence of Frames. Next blocks until a
// new frame is available, the device stops (returns false), or ctx is
// canceled (returns false). Consumers that call Next slower than the
// producer publishes observe latest-wins semantics: intermediate frames
// are silently dropped, never delivered out of order.
type FrameSequence interface {
	Next(ctx context.Context) (*Frame, bool)
}

// Device is a single camera opened by a Backend.
type Device interface {
	// EnumerateStreams lists the stream formats this device advertises.
	EnumerateStreams() ([]StreamDescriptor, error)

	// PickSmallest420Stream filters EnumerateStreams to the 4:2:0
	// video-range formats and returns the one with the minimum height,
	// ties broken by first enumeration order. Returns ErrNoMatchingStream
	// if the device advertises no such format.
	PickSmallest420Stream() (StreamDescriptor, error)

	// Start begins capture at the given stream format. Idempotent within
	// a session: calling Start again with the device already running is
	// a no-op returning nil. Fails with ErrDeviceUnavailable if the OS
	// denies access.
	Start(stream StreamDescriptor) error

	// Stop terminates the frame sequence. Frames already handed out
	// remain valid; their byte views are unaffected by Stop.
	Stop() error

	// Frames returns the lazy sequence of captured frames. Safe to call
	// before or after Start; frames only begin flowing once started.
	Frames() FrameSequence
}

// TightLoopHint is an optional capability a Device may implement to tell
// its driving task that Next already blocks on the underlying hardware (a
// blocking ioctl read, a blocking AVFoundation delegate dispatch) and so
// the caller should not interpose its own pacing ticker. Probed with a
// type assertion, following the teacher's capability-interface style
// rather than a base-interface method every backend must implement.
type TightLoopHint interface {
	TightLoop() bool
}

func pickSmallest420(streams []StreamDescriptor) (StreamDescriptor, error) {
	best := -1
	for i, s := range streams {
		if !Is420Video(s.FourCC) {
			continue
		}
		if best == -1 || s.Height < streams[best].Height {
			best = i
		}
	}
	if best == -1 {
		return StreamDescriptor{}, ErrNoMatchingStream
	}
	return streams[best], nil
}
