package session

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/payload/vidrs/internal/encoder"
	"github.com/payload/vidrs/internal/signaling"
)

// browserOffer builds a recvonly-video offer the way the static test
// page's browser side does, waiting for non-trickle ICE gathering to
// complete before returning it.
func browserOffer(t *testing.T) webrtc.SessionDescription {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gatherComplete

	return *pc.LocalDescription()
}

func TestOrchestrator_HandshakeProducesVP8Answer(t *testing.T) {
	orch := New(Config{StreamID: "vidrs-test"}, nil)
	defer orch.Close()

	offer := browserOffer(t)
	resultCh := make(chan signaling.OfferResult, 1)
	exchange := signaling.OfferExchange{Offer: offer, AnswerCh: resultCh}

	frames := make(chan encoder.EncodedFrame)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() {
		_ = orch.Run(ctx, exchange, frames)
	}()

	select {
	case result := <-resultCh:
		require.NoError(t, result.Err)
		require.Equal(t, webrtc.SDPTypeAnswer, result.Answer.Type)
		require.Contains(t, result.Answer.SDP, "m=video")
		require.True(t, strings.Contains(strings.ToUpper(result.Answer.SDP), "VP8"))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for answer")
	}
}

func TestOrchestrator_HandshakeFailureReportsError(t *testing.T) {
	orch := New(Config{StreamID: "vidrs-test"}, nil)
	defer orch.Close()

	resultCh := make(chan signaling.OfferResult, 1)
	// A garbage offer fails SetRemoteDescription.
	exchange := signaling.OfferExchange{
		Offer:    webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "not an sdp"},
		AnswerCh: resultCh,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := orch.Run(ctx, exchange, nil)
	require.Error(t, err)

	result := <-resultCh
	require.Error(t, result.Err)
	require.ErrorIs(t, result.Err, ErrHandshakeFailed)
}

func TestPictureLossSignaled_DetectsOnlyPLI(t *testing.T) {
	require.True(t, pictureLossSignaled([]rtcp.Packet{&rtcp.PictureLossIndication{}}))
	require.False(t, pictureLossSignaled([]rtcp.Packet{&rtcp.FullIntraRequest{}}))
	require.False(t, pictureLossSignaled([]rtcp.Packet{&rtcp.ReceiverReport{}}))
	require.False(t, pictureLossSignaled(nil))
}

func TestPictureLossFlag_SetFromBatch(t *testing.T) {
	var pl encoder.PictureLossFlag
	require.False(t, pl.ReadAndClear())

	if pictureLossSignaled([]rtcp.Packet{&rtcp.PictureLossIndication{}}) {
		pl.Set()
	}
	require.True(t, pl.ReadAndClear())
	require.False(t, pl.ReadAndClear())
}
