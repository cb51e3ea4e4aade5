// Package pipeline wires the four long-running tasks — capture driver,
// encoder, signaling server, WebRTC orchestrator — together through
// channel closure propagation, following the concurrency model the
// teacher's own session lifecycle (start/stop goroutines coordinated by
// a done channel and WaitGroup) generalizes to four independent stages
// instead of one screen-share loop.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/payload/vidrs/internal/camera"
	"github.com/payload/vidrs/internal/config"
	"github.com/payload/vidrs/internal/encoder"
	"github.com/payload/vidrs/internal/logging"
	"github.com/payload/vidrs/internal/session"
	"github.com/payload/vidrs/internal/signaling"
)

const encodedQueueCapacity = 3

// Pipeline owns the capture backend, encoder, signaling server, and
// orchestrator for one run. Run blocks until ctx is canceled or a fatal
// error occurs in any task.
type Pipeline struct {
	cfg     *config.Config
	backend camera.Backend
}

func New(cfg *config.Config, backend camera.Backend) *Pipeline {
	return &Pipeline{cfg: cfg, backend: backend}
}

// Run opens the configured device, starts capture at its smallest 4:2:0
// stream, and drives the capture → encode → signal → transmit graph
// until ctx is canceled. Ctrl-C (SIGINT) cancellation is the caller's
// responsibility (see cmd/vidrs).
func (p *Pipeline) Run(ctx context.Context) error {
	log := logging.L("pipeline")

	dev, err := p.backend.Open(camera.DeviceDescriptor{ID: p.cfg.Device, Name: p.cfg.Device})
	if err != nil {
		return fmt.Errorf("open device: %w", err)
	}
	stream, err := dev.PickSmallest420Stream()
	if err != nil {
		return fmt.Errorf("pick stream: %w", err)
	}
	if err := dev.Start(stream); err != nil {
		return fmt.Errorf("start device: %w", err)
	}
	defer dev.Stop()
	log.Info("capture started", logging.KeyDevice, p.cfg.Device, "width", stream.Width, "height", stream.Height)

	pl := &encoder.PictureLossFlag{}
	enc := encoder.NewVideoEncoder(pl, p.cfg.PreferHardwareEncoder)
	defer enc.Close()

	encodedQueue := make(chan encoder.EncodedFrame, encodedQueueCapacity)

	sigServer := signaling.New(net.JoinHostPort("0.0.0.0", strconv.Itoa(p.cfg.Port)))
	sessionCfg := session.Config{ICEServers: p.cfg.ICEServers, StreamID: p.cfg.StreamID}

	var active activeOrchestrator

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.captureLoop(ctx, dev, enc, p.cfg.BitrateKbps, encodedQueue)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sigServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("signaling server: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.orchestratorLoop(ctx, sessionCfg, pl, sigServer, encodedQueue, &active)
	}()

	go func() {
		<-ctx.Done()
		_ = sigServer.Shutdown(context.Background())
		active.closeCurrent()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	wg.Wait()
	log.Info("pipeline shut down cleanly")
	return nil
}

// captureLoop pulls frames from the device's broadcast slot, encodes
// each, and forwards the resulting Encoded Frames onto encodedQueue.
// Backpressure on encodedQueue (capacity 3) throttles this loop, which
// in turn leaves the capture broadcast slot unread — latest-wins is not
// applied past the encoder.
func (p *Pipeline) captureLoop(ctx context.Context, dev camera.Device, enc *encoder.VideoEncoder, bitrateKbps int, out chan<- encoder.EncodedFrame) {
	defer close(out)
	log := logging.L("capture")
	seq := dev.Frames()
	for {
		frame, ok := seq.Next(ctx)
		if !ok {
			return
		}
		w, h, fourcc := frame.SizeAndFormat()
		if !camera.Is420Video(fourcc) {
			log.Warn("dropping frame with unsupported format", "fourcc", fourcc)
			frame.Release()
			continue
		}
		view, err := encoder.WrapImage(w, h, encoder.PixelFormatNV12, frame.Bytes())
		if err != nil {
			log.Error("failed to wrap frame", "error", err)
			frame.Release()
			continue
		}
		frames, err := enc.Encode(view, bitrateKbps, false)
		frame.Release()
		if err != nil {
			log.Error("encoder error, terminating encoder task", "error", err)
			return
		}
		for _, ef := range frames {
			select {
			case out <- ef:
			case <-ctx.Done():
				return
			}
		}
	}
}

// orchestratorLoop waits for signaling exchanges and runs the WebRTC
// handshake/sample-pump for each in turn. The pipeline is single-peer:
// one exchange is served at a time, matching the signaling server's
// capacity-1 channel. A fresh Orchestrator is built per exchange since
// its connected/done channels are one-shot and cannot outlive a single
// peer connection's lifetime.
func (p *Pipeline) orchestratorLoop(ctx context.Context, sessionCfg session.Config, pl *encoder.PictureLossFlag, sigServer *signaling.Server, frames <-chan encoder.EncodedFrame, active *activeOrchestrator) {
	log := logging.L("orchestrator")
	for {
		select {
		case <-ctx.Done():
			return
		case exchange, ok := <-sigServer.Exchanges():
			if !ok {
				return
			}
			orch := session.New(sessionCfg, pl)
			active.set(orch)
			if err := orch.Run(ctx, exchange, frames); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("session ended with error", "error", err)
			}
			active.clear(orch)
		}
	}
}

// activeOrchestrator holds a pointer to whichever session.Orchestrator is
// currently handling a peer connection, so the pipeline's shutdown path
// can reach and close it without the orchestrator loop and shutdown
// watcher racing on a bare variable.
type activeOrchestrator struct {
	mu   sync.Mutex
	orch *session.Orchestrator
}

func (a *activeOrchestrator) set(o *session.Orchestrator) {
	a.mu.Lock()
	a.orch = o
	a.mu.Unlock()
}

// clear drops the active pointer, but only if it still refers to o —
// orchestratorLoop may already have moved on to a newer session by the
// time a slow Run call returns.
func (a *activeOrchestrator) clear(o *session.Orchestrator) {
	a.mu.Lock()
	if a.orch == o {
		a.orch = nil
	}
	a.mu.Unlock()
}

func (a *activeOrchestrator) closeCurrent() {
	a.mu.Lock()
	o := a.orch
	a.mu.Unlock()
	if o != nil {
		_ = o.Close()
	}
}
