package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/payload/vidrs/internal/camera"
	"github.com/payload/vidrs/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

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

// TestPipeline_EndToEndHandshakeAndShutdown drives the full capture →
// encode → signal → negotiate graph against the synthetic backend and a
// real browser-shaped offer, then cancels the pipeline and confirms Run
// returns promptly.
func TestPipeline_EndToEndHandshakeAndShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Port = freePort(t)
	cfg.Device = "synthetic:0"
	cfg.BitrateKbps = 500

	backend := camera.NewSyntheticBackend(camera.SyntheticConfig{Width: 320, Height: 240, FPS: 30})
	p := New(cfg, backend)

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- p.Run(ctx) }()

	waitForServer(t, cfg.Port)

	offer := browserOffer(t)
	body, err := json.Marshal(offer)
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/sdp", cfg.Port), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var answer webrtc.SessionDescription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&answer))
	require.Equal(t, webrtc.SDPTypeAnswer, answer.Type)

	cancel()
	select {
	case err := <-runErrCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not shut down after cancellation")
	}
}

func waitForServer(t *testing.T, port int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("signaling server never started listening on port %d", port)
}
