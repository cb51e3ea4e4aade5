package camera

import (
	"fmt"
	"sync"
	"time"
)

// SyntheticConfig parameterizes the synthetic backend's only device.
type SyntheticConfig struct {
	Width  int
	Height int
	FPS    int
}

// DefaultSyntheticConfig mirrors the happy-path scenario's 720p/30fps
// camera.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{Width: 1280, Height: 720, FPS: 30}
}

// NewSyntheticBackend returns a Backend with a single device that
// generates deterministic NV12 frames on a ticker. It exercises the same
// Backend/Device/Frame contract the hardware backends do, with no cgo and
// no build tag, so the pipeline's testable properties run anywhere —
// grounded on the teacher's capture_other.go fallback, turned into a real
// working backend instead of an error stub.
func NewSyntheticBackend(cfg SyntheticConfig) Backend {
	return &syntheticBackend{cfg: cfg}
}

type syntheticBackend struct {
	cfg SyntheticConfig
}

func (b *syntheticBackend) EnumerateDevices() ([]DeviceDescriptor, error) {
	return []DeviceDescriptor{
		{ID: "synthetic:0", Name: "synthetic test pattern"},
	}, nil
}

func (b *syntheticBackend) Open(DeviceDescriptor) (Device, error) {
	return &syntheticDevice{cfg: b.cfg}, nil
}

type syntheticDevice struct {
	cfg SyntheticConfig

	mu      sync.Mutex
	started bool
	stop    chan struct{}
	wg      sync.WaitGroup
	bc      *frameBroadcast
}

func (d *syntheticDevice) EnumerateStreams() ([]StreamDescriptor, error) {
	// Advertise the configured resolution plus two smaller ones, so
	// PickSmallest420Stream and the reconfiguration scenario both have
	// something to choose between.
	return []StreamDescriptor{
		{Width: d.cfg.Width, Height: d.cfg.Height, FourCC: FourCC420v},
		{Width: 640, Height: 480, FourCC: FourCC420v},
		{Width: 320, Height: 240, FourCC: FourCC420v},
	}, nil
}

func (d *syntheticDevice) PickSmallest420Stream() (StreamDescriptor, error) {
	streams, err := d.EnumerateStreams()
	if err != nil {
		return StreamDescriptor{}, err
	}
	return pickSmallest420(streams)
}

func (d *syntheticDevice) Start(stream StreamDescriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	if stream.Width%2 != 0 || stream.Height%2 != 0 {
		return fmt.Errorf("%w: odd dimensions %dx%d", ErrUnsupportedFormat, stream.Width, stream.Height)
	}
	if d.bc == nil {
		d.bc = newFrameBroadcast()
	}
	d.stop = make(chan struct{})
	d.started = true

	fps := d.cfg.FPS
	if fps <= 0 {
		fps = 30
	}
	w, h := stream.Width, stream.Height

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(time.Second / time.Duration(fps))
		defer ticker.Stop()
		var frameNum uint64
		for {
			select {
			case <-d.stop:
				return
			case <-ticker.C:
				d.bc.publish(generateNV12Frame(w, h, frameNum))
				frameNum++
			}
		}
	}()
	return nil
}

func (d *syntheticDevice) Stop() error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	close(d.stop)
	bc := d.bc
	d.mu.Unlock()

	d.wg.Wait()
	if bc != nil {
		bc.close()
	}
	d.mu.Lock()
	d.bc = nil
	d.mu.Unlock()
	return nil
}

func (d *syntheticDevice) Frames() FrameSequence {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bc == nil {
		// Not started yet: create the slot now. Start only creates a
		// slot when none exists, so it publishes into this same one.
		d.bc = newFrameBroadcast()
	}
	return d.bc.subscribe()
}

// generateNV12Frame builds a deterministic NV12 frame: a Y plane with a
// diagonal moving gradient, and a flat mid-gray UV plane — synthetic but
// shaped exactly like a real 4:2:0 buffer (width*height*3/2 bytes) so the
// encoder adapter's size invariants hold.
func generateNV12Frame(w, h int, frameNum uint64) *Frame {
	ySize := w * h
	uvSize := (w / 2) * (h / 2) * 2
	data := make([]byte, ySize+uvSize)
	offset := byte(frameNum % 255)
	for y := 0; y < h; y++ {
		row := data[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			row[x] = byte((x+y)%256) + offset
		}
	}
	uv := data[ySize:]
	for i := range uv {
		uv[i] = 128
	}
	return NewFrame(w, h, FourCC420v, data, nil)
}
