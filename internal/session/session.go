// Package session negotiates a single WebRTC peer connection, creates
// its outbound VP8 track, pumps encoded samples onto it, and drains
// inbound RTCP to drive keyframe recovery. Structurally grounded on the
// teacher's session_webrtc.go connection-state-machine/RTCP-drain shape,
// generalized from a multi-feature remote-desktop session down to a
// single video track with no data channels.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/payload/vidrs/internal/encoder"
	"github.com/payload/vidrs/internal/logging"
	"github.com/payload/vidrs/internal/signaling"
)

const (
	trackMimeType   = webrtc.MimeTypeVP8
	trackID         = "video"
	sampleDuration  = 33 * time.Millisecond
	rtcpReadBufSize = 1500
)

var ErrHandshakeFailed = errors.New("session: handshake failed")

// Config parameterizes the orchestrator.
type Config struct {
	ICEServers []string
	StreamID   string
}

// Orchestrator owns one peer connection. It is built once per signaling
// exchange and runs that connection's lifecycle: negotiate against the
// exchange's offer, pump samples, react to RTCP, and shut down on signal.
type Orchestrator struct {
	cfg Config
	pl  *encoder.PictureLossFlag

	mu         sync.Mutex
	peerConn   *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticSample

	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg Config, pl *encoder.PictureLossFlag) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		pl:        pl,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (o *Orchestrator) iceServers() []webrtc.ICEServer {
	if len(o.cfg.ICEServers) == 0 {
		return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}
	return []webrtc.ICEServer{{URLs: o.cfg.ICEServers}}
}

// Run executes the full handshake against one incoming exchange, then
// pumps frames drained from the given channel until the peer connection
// fails or closes, the queue closes, or ctx is canceled.
//
// Handshake sequence, executed strictly in order: add the outbound
// track; spawn the RTCP reader; receive the offer; apply it as remote
// description; create the local answer; begin ICE gathering and set
// the local description; await gathering-complete (no trickle); send
// the completed local description back on the exchange's channel.
func (o *Orchestrator) Run(ctx context.Context, exchange signaling.OfferExchange, frames <-chan encoder.EncodedFrame) error {
	log := logging.L("session")

	peerConn, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: o.iceServers()})
	if err != nil {
		exchange.AnswerCh <- signaling.OfferResult{Err: fmt.Errorf("%w: new peer connection: %v", ErrHandshakeFailed, err)}
		return err
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: trackMimeType},
		trackID,
		o.cfg.StreamID,
	)
	if err != nil {
		_ = peerConn.Close()
		exchange.AnswerCh <- signaling.OfferResult{Err: fmt.Errorf("%w: new track: %v", ErrHandshakeFailed, err)}
		return err
	}

	// a. add the outbound track
	rtpSender, err := peerConn.AddTrack(videoTrack)
	if err != nil {
		_ = peerConn.Close()
		exchange.AnswerCh <- signaling.OfferResult{Err: fmt.Errorf("%w: add track: %v", ErrHandshakeFailed, err)}
		return err
	}

	o.mu.Lock()
	o.peerConn = peerConn
	o.videoTrack = videoTrack
	o.mu.Unlock()

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			o.signalConnected()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			o.signalDone()
		}
	})

	// b. spawn the RTCP reader task
	go o.readRTCP(rtpSender)

	// c. receive (offer, answer_tx) — already received via exchange.
	// d. apply the offer as remote description.
	if err := peerConn.SetRemoteDescription(exchange.Offer); err != nil {
		_ = peerConn.Close()
		exchange.AnswerCh <- signaling.OfferResult{Err: fmt.Errorf("%w: set remote description: %v", ErrHandshakeFailed, err)}
		return err
	}

	// e. create a local answer.
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		_ = peerConn.Close()
		exchange.AnswerCh <- signaling.OfferResult{Err: fmt.Errorf("%w: create answer: %v", ErrHandshakeFailed, err)}
		return err
	}

	// f. begin ICE gathering and set the answer as local description.
	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		_ = peerConn.Close()
		exchange.AnswerCh <- signaling.OfferResult{Err: fmt.Errorf("%w: set local description: %v", ErrHandshakeFailed, err)}
		return err
	}

	// g. await gathering-complete (no trickle).
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = peerConn.Close()
		exchange.AnswerCh <- signaling.OfferResult{Err: ctx.Err()}
		return ctx.Err()
	}

	// h. send the fully-populated local description on answer_tx.
	exchange.AnswerCh <- signaling.OfferResult{Answer: *peerConn.LocalDescription()}

	log.Info("session negotiated", "stream_id", o.cfg.StreamID)

	o.pumpSamples(ctx, videoTrack, frames)
	return nil
}

// pumpSamples drains the encoded-frame queue and writes each as a media
// sample. Write errors are logged and do not terminate the pump; an
// end-of-queue or shutdown signal does.
func (o *Orchestrator) pumpSamples(ctx context.Context, track *webrtc.TrackLocalStaticSample, frames <-chan encoder.EncodedFrame) {
	log := logging.L("session")
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := track.WriteSample(media.Sample{Data: frame.Bytes, Duration: sampleDuration}); err != nil {
				log.Warn("sample write failed", "error", err, logging.KeyPTSMs, frame.PTS)
			}
		}
	}
}

// readRTCP drains inbound RTCP from the sender until it errors. Picture
// Loss Indications set the shared Picture-Loss Flag; every other packet
// type is read-to-consume and otherwise ignored. Logging only fires on
// the 0→1 transition within a read batch, so a PLI burst produces one
// log line instead of one per packet.
func (o *Orchestrator) readRTCP(rtpSender *webrtc.RTPSender) {
	log := logging.L("session")
	buf := make([]byte, rtcpReadBufSize)
	for {
		n, _, err := rtpSender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		if pictureLossSignaled(packets) {
			if o.pl != nil {
				o.pl.Set()
			}
			log.Info("picture loss indication received")
		}
	}
}

// pictureLossSignaled reports whether any packet in a batch is a Picture
// Loss Indication. Factored out of readRTCP so the 0→1-per-batch logging
// rule is testable without a live RTPSender.
func pictureLossSignaled(packets []rtcp.Packet) bool {
	for _, pkt := range packets {
		if _, ok := pkt.(*rtcp.PictureLossIndication); ok {
			return true
		}
	}
	return false
}

func (o *Orchestrator) signalConnected() {
	o.mu.Lock()
	defer o.mu.Unlock()
	select {
	case <-o.connected:
	default:
		close(o.connected)
	}
}

func (o *Orchestrator) signalDone() {
	o.closeOnce.Do(func() {
		close(o.done)
	})
}

// Connected returns a channel closed once the peer connection reaches
// the Connected state.
func (o *Orchestrator) Connected() <-chan struct{} {
	return o.connected
}

// Done returns a channel closed once the peer connection fails or
// closes.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Close tears down the peer connection, if any.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	pc := o.peerConn
	o.mu.Unlock()
	o.signalDone()
	if pc == nil {
		return nil
	}
	return pc.Close()
}
