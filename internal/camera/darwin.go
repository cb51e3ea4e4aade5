//go:build darwin

package camera

/*
#cgo CFLAGS: -x objective-c
#cgo LDFLAGS: -framework AVFoundation -framework CoreMedia -framework CoreVideo -framework Foundation

#include <stdlib.h>
#include <AVFoundation/AVFoundation.h>
#include <CoreMedia/CoreMedia.h>
#include <CoreVideo/CoreVideo.h>

extern void goAVFoundationFrame(int width, int height, void* buf, int size);

@interface VidrsCaptureDelegate : NSObject <AVCaptureVideoDataOutputSampleBufferDelegate>
@end

static AVCaptureSession* g_session = nil;
static VidrsCaptureDelegate* g_delegate = nil;
static dispatch_queue_t g_queue = NULL;

@implementation VidrsCaptureDelegate

- (void)captureOutput:(AVCaptureOutput *)output
 didOutputSampleBuffer:(CMSampleBufferRef)sampleBuffer
        fromConnection:(AVCaptureConnection *)connection {
    CVImageBufferRef pixelBuffer = CMSampleBufferGetImageBuffer(sampleBuffer);
    if (pixelBuffer == NULL) {
        return;
    }

    CVPixelBufferLockBaseAddress(pixelBuffer, kCVPixelBufferLock_ReadOnly);

    int width = (int)CVPixelBufferGetWidth(pixelBuffer);
    int height = (int)CVPixelBufferGetHeight(pixelBuffer);

    // kCVPixelFormatType_420YpCbCr8BiPlanarVideoRange ("420v"): plane 0 is
    // full-res Y, plane 1 is half-res interleaved UV. Copy both planes into
    // one packed NV12 buffer so the Go side owns a single contiguous slice.
    size_t yBytesPerRow = CVPixelBufferGetBytesPerRowOfPlane(pixelBuffer, 0);
    size_t uvBytesPerRow = CVPixelBufferGetBytesPerRowOfPlane(pixelBuffer, 1);
    void* ySrc = CVPixelBufferGetBaseAddressOfPlane(pixelBuffer, 0);
    void* uvSrc = CVPixelBufferGetBaseAddressOfPlane(pixelBuffer, 1);

    int ySize = width * height;
    int uvHeight = height / 2;
    int uvRowBytes = width; // packed, no stride padding
    int uvSize = uvRowBytes * uvHeight;
    int total = ySize + uvSize;

    unsigned char* packed = (unsigned char*)malloc(total);
    if (packed == NULL) {
        CVPixelBufferUnlockBaseAddress(pixelBuffer, kCVPixelBufferLock_ReadOnly);
        return;
    }

    for (int row = 0; row < height; row++) {
        memcpy(packed + row * width, (unsigned char*)ySrc + row * yBytesPerRow, width);
    }
    for (int row = 0; row < uvHeight; row++) {
        memcpy(packed + ySize + row * uvRowBytes, (unsigned char*)uvSrc + row * uvBytesPerRow, uvRowBytes);
    }

    CVPixelBufferUnlockBaseAddress(pixelBuffer, kCVPixelBufferLock_ReadOnly);

    // Runs on g_queue, off any Go-runtime-managed thread. goAVFoundationFrame
    // must not block: it only wraps the buffer into a Frame and performs a
    // non-blocking publish.
    goAVFoundationFrame(width, height, packed, total);
}

@end

static int vidrsStart(int width, int height, int fps) {
    if (g_session != nil) {
        return 0;
    }

    AVCaptureDevice* device = [AVCaptureDevice defaultDeviceWithMediaType:AVMediaTypeVideo];
    if (device == nil) {
        return 1;
    }

    NSError* error = nil;
    AVCaptureDeviceInput* input = [AVCaptureDeviceInput deviceInputWithDevice:device error:&error];
    if (input == nil) {
        return 2;
    }

    g_session = [[AVCaptureSession alloc] init];
    [g_session beginConfiguration];
    if (![g_session canAddInput:input]) {
        g_session = nil;
        return 3;
    }
    [g_session addInput:input];

    AVCaptureVideoDataOutput* output = [[AVCaptureVideoDataOutput alloc] init];
    output.videoSettings = @{
        (NSString*)kCVPixelBufferPixelFormatTypeKey: @(kCVPixelFormatType_420YpCbCr8BiPlanarVideoRange)
    };
    output.alwaysDiscardsLateVideoFrames = YES;

    g_delegate = [[VidrsCaptureDelegate alloc] init];
    g_queue = dispatch_queue_create("vidrs.avfoundation.capture", DISPATCH_QUEUE_SERIAL);
    [output setSampleBufferDelegate:g_delegate queue:g_queue];

    if (![g_session canAddOutput:output]) {
        g_session = nil;
        return 4;
    }
    [g_session addOutput:output];
    [g_session commitConfiguration];
    [g_session startRunning];
    return 0;
}

static void vidrsStop() {
    if (g_session != nil) {
        [g_session stopRunning];
        g_session = nil;
    }
    g_delegate = nil;
    g_queue = NULL;
}

static int vidrsEnumerateFormats(int* widths, int* heights, int cap) {
    AVCaptureDevice* device = [AVCaptureDevice defaultDeviceWithMediaType:AVMediaTypeVideo];
    if (device == nil) {
        return 0;
    }
    int n = 0;
    for (AVCaptureDeviceFormat* format in device.formats) {
        if (n >= cap) {
            break;
        }
        CMVideoDimensions dims = CMVideoFormatDescriptionGetDimensions(format.formatDescription);
        widths[n] = dims.width;
        heights[n] = dims.height;
        n++;
    }
    return n;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

// avFoundationBackend is the macOS callback-push capture backend:
// AVFoundation invokes our delegate on its own capture-session queue for
// every sample buffer, off the Go runtime's goroutine scheduler. The
// delegate must not block — it only copies the native buffer into an
// owned Go slice and performs a non-blocking publish, exactly as required
// by the capture contract's callback thread-safety rule. Structurally
// this follows the teacher's cgo + Objective-C delegate shape used for
// ScreenCaptureKit screen capture (capture_darwin.go), generalized from a
// one-shot synchronous capture to a continuous streaming delegate.
type avFoundationBackend struct{}

// NewPlatformBackend returns the camera backend for this OS.
func NewPlatformBackend() Backend {
	return &avFoundationBackend{}
}

func (b *avFoundationBackend) EnumerateDevices() ([]DeviceDescriptor, error) {
	return []DeviceDescriptor{DefaultDevice}, nil
}

func (b *avFoundationBackend) Open(DeviceDescriptor) (Device, error) {
	return &avFoundationDevice{}, nil
}

type avFoundationDevice struct {
	mu      sync.Mutex
	started bool
	bc      *frameBroadcast
}

// activeDevice is the device currently receiving callbacks from the
// native delegate. AVCaptureSession here is process-global (one camera
// session at a time), mirrored by a package-level pointer the cgo
// callback trampoline dereferences.
var (
	activeDeviceMu sync.Mutex
	activeDevice   *avFoundationDevice
)

func (d *avFoundationDevice) EnumerateStreams() ([]StreamDescriptor, error) {
	const maxFormats = 32
	widths := make([]C.int, maxFormats)
	heights := make([]C.int, maxFormats)
	n := int(C.vidrsEnumerateFormats((*C.int)(unsafe.Pointer(&widths[0])), (*C.int)(unsafe.Pointer(&heights[0])), C.int(maxFormats)))
	if n <= 0 {
		return nil, fmt.Errorf("%w: no formats advertised", ErrDeviceUnavailable)
	}
	streams := make([]StreamDescriptor, 0, n)
	for i := 0; i < n; i++ {
		// AVFoundation reports the 4:2:0 video-range biplanar format as
		// kCVPixelFormatType_420YpCbCr8BiPlanarVideoRange, whose FourCC
		// rendering is "420v".
		streams = append(streams, StreamDescriptor{
			Width:  int(widths[i]),
			Height: int(heights[i]),
			FourCC: FourCC420v,
		})
	}
	return streams, nil
}

func (d *avFoundationDevice) PickSmallest420Stream() (StreamDescriptor, error) {
	streams, err := d.EnumerateStreams()
	if err != nil {
		return StreamDescriptor{}, err
	}
	return pickSmallest420(streams)
}

func (d *avFoundationDevice) Start(stream StreamDescriptor) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil
	}
	if stream.Width%2 != 0 || stream.Height%2 != 0 {
		return fmt.Errorf("%w: odd dimensions %dx%d", ErrUnsupportedFormat, stream.Width, stream.Height)
	}

	activeDeviceMu.Lock()
	activeDevice = d
	activeDeviceMu.Unlock()

	if d.bc == nil {
		d.bc = newFrameBroadcast()
	}
	if rc := C.vidrsStart(C.int(stream.Width), C.int(stream.Height), 30); rc != 0 {
		activeDeviceMu.Lock()
		activeDevice = nil
		activeDeviceMu.Unlock()
		return fmt.Errorf("%w: AVCaptureSession start failed (code %d)", ErrDeviceUnavailable, int(rc))
	}
	d.started = true
	return nil
}

func (d *avFoundationDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return nil
	}
	C.vidrsStop()
	d.started = false

	activeDeviceMu.Lock()
	if activeDevice == d {
		activeDevice = nil
	}
	activeDeviceMu.Unlock()

	if d.bc != nil {
		d.bc.close()
		d.bc = nil
	}
	return nil
}

func (d *avFoundationDevice) Frames() FrameSequence {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bc == nil {
		d.bc = newFrameBroadcast()
	}
	return d.bc.subscribe()
}

//export goAVFoundationFrame
func goAVFoundationFrame(width, height C.int, buf unsafe.Pointer, size C.int) {
	activeDeviceMu.Lock()
	dev := activeDevice
	activeDeviceMu.Unlock()
	if dev == nil {
		C.free(buf)
		return
	}

	data := C.GoBytes(buf, size)
	C.free(buf)

	frame := NewFrame(int(width), int(height), FourCC420v, data, nil)

	dev.mu.Lock()
	bc := dev.bc
	dev.mu.Unlock()
	if bc != nil {
		bc.publish(frame)
	} else {
		frame.Release()
	}
}
