// Package encoder adapts a raw planar video frame stream into a VP8
// compressed bitstream. It owns the codec context lifecycle: constructed
// lazily on the first frame, reconstructed whenever the frame geometry
// changes, destroyed on Close.
package encoder

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrInvalidParam  = errors.New("encoder: invalid param")
	ErrCodec         = errors.New("encoder: codec error")
	ErrNotConfigured = errors.New("encoder: not configured")
)

// PixelFormat identifies the planar layout of an input ImageView.
type PixelFormat int

const (
	PixelFormatI420 PixelFormat = iota
	PixelFormatYV12
	PixelFormatNV12
)

// Config parameterizes a codec context. Width and Height must be even;
// TimebaseNum/TimebaseDen and BitrateKbps follow libvpx's own units.
type Config struct {
	Width       int
	Height      int
	TimebaseNum int
	TimebaseDen int
	BitrateKbps int
}

func (c Config) validate() error {
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("%w: non-positive dimensions %dx%d", ErrInvalidParam, c.Width, c.Height)
	}
	if c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("%w: odd dimensions %dx%d", ErrInvalidParam, c.Width, c.Height)
	}
	if c.BitrateKbps <= 0 {
		return fmt.Errorf("%w: non-positive bitrate %d", ErrInvalidParam, c.BitrateKbps)
	}
	return nil
}

func (c Config) sameGeometry(o Config) bool {
	return c.Width == o.Width && c.Height == o.Height
}

// frameDurationTicks is the fixed duration reported to the codec for every
// frame: 33 ticks of the 1/1000 timebase Encode configures, i.e. 33ms,
// matching the nominal 30fps cadence regardless of the caller's actual
// frame spacing.
const frameDurationTicks = 33

// EncodedFrame is a self-contained compressed bitstream segment: its
// bytes are an owned copy, safe to hold past the next Encode call.
type EncodedFrame struct {
	Bytes    []byte
	PTS      int64
	Keyframe bool
}

// ImageView is a no-copy wrapper over a caller-owned planar byte buffer.
// It must not outlive the byte slice it was built from.
type ImageView struct {
	Width  int
	Height int
	Format PixelFormat
	Data   []byte
}

func WrapImage(width, height int, format PixelFormat, data []byte) (ImageView, error) {
	if width <= 0 || height <= 0 {
		return ImageView{}, fmt.Errorf("%w: non-positive dimensions %dx%d", ErrInvalidParam, width, height)
	}
	want := width*height + 2*((width/2)*(height/2))
	if len(data) < want {
		return ImageView{}, fmt.Errorf("%w: buffer too small for %dx%d (got %d, want >= %d)", ErrInvalidParam, width, height, len(data), want)
	}
	return ImageView{Width: width, Height: height, Format: format, Data: data}, nil
}

// encoderBackend is the codec-library binding. Exactly one implementation
// is linked in per build: the real libvpx binding behind the cgo&&vpx
// build tag, or the no-op placeholder otherwise. Mirrors the teacher's
// VideoEncoder/encoderBackend split in encoder.go, generalized from the
// desktop screen-share codec selection to a single fixed VP8 codec.
type encoderBackend interface {
	Encode(pts int64, img ImageView, forceKeyframe bool) ([]EncodedFrame, error)
	Close() error
	Name() string
}

type backendFactory func(cfg Config) (encoderBackend, error)

var realBackendFactory backendFactory

// registerBackend is called from an init() in the build-tagged backend
// file that is actually compiled in, following the teacher's
// registerHardwareFactory indirection so this file never imports a
// build-tagged symbol directly.
func registerBackend(f backendFactory) {
	realBackendFactory = f
}

func newBackend(cfg Config, preferHardware bool) (encoderBackend, error) {
	if preferHardware && realBackendFactory != nil {
		return realBackendFactory(cfg)
	}
	return newPlaceholderBackend(cfg)
}

// VideoEncoder owns the codec context for one geometry at a time. Safe
// for concurrent use; Encode serializes against Close and reconfiguration.
type VideoEncoder struct {
	mu             sync.Mutex
	cfg            Config
	backend        encoderBackend
	nextPTS        int64
	pl             *PictureLossFlag
	preferHardware bool
}

// NewVideoEncoder constructs an encoder bound to a Picture-Loss Flag the
// caller shares with its RTCP reader. The codec context itself is
// constructed lazily on the first Encode call, since the caller may not
// know the camera's geometry until the first frame arrives. preferHardware
// selects the libvpx backend registered by the cgo&&vpx build when true;
// builds without that tag, or callers that pass false, always get the
// placeholder backend.
func NewVideoEncoder(pl *PictureLossFlag, preferHardware bool) *VideoEncoder {
	return &VideoEncoder{pl: pl, preferHardware: preferHardware}
}

// Encode submits one image and returns zero or more materialized
// Encoded Frames. A keyframe is forced when forceKeyframe is true or when
// the shared Picture-Loss Flag passed to NewVideoEncoder was set; the flag
// is read-and-cleared on every call, whatever forceKeyframe is.
//
// The codec is (re)constructed if this is the first call or if img's
// dimensions differ from the current configuration; reconfiguration
// resets the presentation-timestamp clock to zero.
func (e *VideoEncoder) Encode(img ImageView, bitrateKbps int, forceKeyframe bool) ([]EncodedFrame, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cfg := Config{
		Width:       img.Width,
		Height:      img.Height,
		TimebaseNum: 1,
		TimebaseDen: 1000,
		BitrateKbps: bitrateKbps,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if e.backend == nil || !e.cfg.sameGeometry(cfg) {
		if e.backend != nil {
			_ = e.backend.Close()
		}
		backend, err := newBackend(cfg, e.preferHardware)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCodec, err)
		}
		e.backend = backend
		e.cfg = cfg
		e.nextPTS = 0
	}

	force := forceKeyframe
	if e.pl != nil && e.pl.ReadAndClear() {
		force = true
	}

	frames, err := e.backend.Encode(e.nextPTS, img, force)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	e.nextPTS += frameDurationTicks
	return frames, nil
}

func (e *VideoEncoder) BackendName() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend == nil {
		return ""
	}
	return e.backend.Name()
}

// Config returns the codec context's current configuration, the zero
// Config if none has been constructed yet. Callers use this to check
// whether a subsequent Encode call would trigger reconfiguration.
func (e *VideoEncoder) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Close destroys the current codec context, if any. Safe to call more
// than once.
func (e *VideoEncoder) Close() error {
	e.mu.Lock()
	backend := e.backend
	e.backend = nil
	e.mu.Unlock()
	if backend == nil {
		return nil
	}
	return backend.Close()
}
