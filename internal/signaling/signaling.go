// Package signaling implements the minimal HTTP offer/answer exchange
// that hands incoming SDP offers to the WebRTC orchestrator and returns
// its answer. Built on net/http directly, following the teacher's
// preference for the standard library over a third-party mux for small,
// fixed route sets.
package signaling

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/pion/webrtc/v4"

	"github.com/payload/vidrs/internal/logging"
)

//go:embed testpage.html
var staticFS embed.FS

var (
	ErrBadOffer            = errors.New("signaling: malformed offer")
	ErrAnswerSerialization = errors.New("signaling: could not serialize answer")
	ErrNoAnswer            = errors.New("signaling: no answer produced")
)

// OfferResult is what the orchestrator sends back on an OfferExchange's
// AnswerCh: either the completed local description, or the error that
// aborted the handshake.
type OfferResult struct {
	Answer webrtc.SessionDescription
	Err    error
}

// OfferExchange is a single pending offer/answer round trip: the
// orchestrator applies Offer and sends exactly one OfferResult on
// AnswerCh.
type OfferExchange struct {
	Offer    webrtc.SessionDescription
	AnswerCh chan<- OfferResult
}

// Server is the signaling HTTP endpoint. Only one offer may be pending
// at a time; exchanges has capacity 1, matching the orchestrator's
// single-peer design.
type Server struct {
	httpServer *http.Server
	exchanges  chan OfferExchange
}

// New builds a signaling server bound to addr (e.g. ":8080"). Call
// ListenAndServe to run it and Exchanges() to receive offers from the
// orchestrator side.
func New(addr string) *Server {
	s := &Server{
		exchanges: make(chan OfferExchange, 1),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/favicon.ico", s.handleFavicon)
	mux.HandleFunc("/sdp", s.handleSDP)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Exchanges returns the channel the orchestrator reads pending offers
// from.
func (s *Server) Exchanges() <-chan OfferExchange {
	return s.exchanges
}

func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight connections, matching the pipeline's
// graceful-shutdown signal.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" || r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data, err := staticFS.ReadFile("testpage.html")
	if err != nil {
		http.Error(w, "page unavailable", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}

func (s *Server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleSDP implements POST /sdp: decode the offer, hand it to the
// orchestrator, and block for its answer. A malformed body is rejected
// with 400 (BadOffer); see DESIGN.md for why this diverges from the
// original source's 500.
func (s *Server) handleSDP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		logging.L("signaling").Warn("malformed offer", "error", err)
		http.Error(w, ErrBadOffer.Error(), http.StatusBadRequest)
		return
	}

	resultCh := make(chan OfferResult, 1)
	select {
	case s.exchanges <- OfferExchange{Offer: offer, AnswerCh: resultCh}:
	default:
		http.Error(w, "signaling busy", http.StatusServiceUnavailable)
		return
	}

	result, ok := <-resultCh
	if !ok {
		http.Error(w, ErrNoAnswer.Error(), http.StatusInternalServerError)
		return
	}
	if result.Err != nil {
		http.Error(w, fmt.Sprintf("negotiation failed: %v", result.Err), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result.Answer); err != nil {
		logging.L("signaling").Error("answer serialization failed", "error", err)
	}
}
