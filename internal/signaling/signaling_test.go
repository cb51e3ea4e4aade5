package signaling

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestHandleSDP_BadOfferReturns400(t *testing.T) {
	s := New(":0")
	srv := httptest.NewServer(s.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/sdp", "application/json", bytes.NewBufferString("not json"))
	if err != nil {
		t.Fatalf("POST /sdp: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("got status %d, want 400", resp.StatusCode)
	}
}

func TestHandleSDP_AwaitsAndReturnsAnswer(t *testing.T) {
	s := New(":0")
	srv := httptest.NewServer(s.httpServer.Handler)
	defer srv.Close()

	go func() {
		exchange := <-s.Exchanges()
		exchange.AnswerCh <- OfferResult{Answer: webrtc.SessionDescription{
			Type: webrtc.SDPTypeAnswer,
			SDP:  "v=0\r\n",
		}}
	}()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	body, _ := json.Marshal(offer)
	resp, err := http.Post(srv.URL+"/sdp", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /sdp: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}

	var answer webrtc.SessionDescription
	if err := json.NewDecoder(resp.Body).Decode(&answer); err != nil {
		t.Fatalf("decode answer: %v", err)
	}
	if answer.Type != webrtc.SDPTypeAnswer {
		t.Fatalf("got type %v, want answer", answer.Type)
	}
}

func TestHandleSDP_OrchestratorErrorReturns500(t *testing.T) {
	s := New(":0")
	srv := httptest.NewServer(s.httpServer.Handler)
	defer srv.Close()

	go func() {
		exchange := <-s.Exchanges()
		exchange.AnswerCh <- OfferResult{Err: ErrNoAnswer}
	}()

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	body, _ := json.Marshal(offer)
	resp, err := http.Post(srv.URL+"/sdp", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /sdp: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("got status %d, want 500", resp.StatusCode)
	}
}

func TestHandleSDP_SecondConcurrentOfferRejected(t *testing.T) {
	s := New(":0")
	srv := httptest.NewServer(s.httpServer.Handler)
	defer srv.Close()

	// Fill the capacity-1 channel without draining it.
	s.exchanges <- OfferExchange{AnswerCh: make(chan OfferResult, 1)}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
	body, _ := json.Marshal(offer)
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post(srv.URL+"/sdp", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /sdp: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("got status %d, want 503", resp.StatusCode)
	}
}

func TestHandleIndex_ServesTestPage(t *testing.T) {
	s := New(":0")
	srv := httptest.NewServer(s.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
}

func TestHandleUnknownRoute_404(t *testing.T) {
	s := New(":0")
	srv := httptest.NewServer(s.httpServer.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", resp.StatusCode)
	}
}
