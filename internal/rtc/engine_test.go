package rtc

import (
	"errors"
	"testing"

	"github.com/cofoundhq/cofound/internal/wire"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New("room-test", Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Close() })
	e.AddRecvOnlyTransceivers()
	return e
}

func TestOfferAnswerPhases(t *testing.T) {
	offerer := newTestEngine(t)
	answerer := newTestEngine(t)

	if !offerer.SignalingStable() {
		t.Fatal("fresh engine must be stable")
	}

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if offerer.SignalingStable() {
		t.Fatal("engine still stable after producing an offer")
	}

	// An offer landing on a peer that itself holds a local offer is the
	// glare case; it must come back as ErrNegotiation, not apply.
	if err := offerer.SetRemoteDescription(offer); !errors.Is(err, ErrNegotiation) {
		t.Fatalf("offer-on-offer err = %v, want ErrNegotiation", err)
	}

	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}
	answer, err := answerer.CreateAnswer()
	if err != nil {
		t.Fatal(err)
	}

	// The answer is only valid while a local offer is pending.
	if err := answerer.SetRemoteDescription(answer); !errors.Is(err, ErrNegotiation) {
		t.Fatalf("answer without local offer err = %v, want ErrNegotiation", err)
	}

	if err := offerer.SetRemoteDescription(answer); err != nil {
		t.Fatal(err)
	}
	if !offerer.SignalingStable() {
		t.Fatal("offerer not stable after applying answer")
	}
}

func TestCandidateRequiresRemoteDescription(t *testing.T) {
	offerer := newTestEngine(t)
	answerer := newTestEngine(t)

	cand := wire.ICECandidateInit{
		Candidate:     "candidate:1 1 UDP 2122252543 127.0.0.1 54321 typ host",
		SDPMid:        "0",
		SDPMLineIndex: 0,
	}

	if err := answerer.AddRemoteCandidate(cand); !errors.Is(err, ErrNoRemoteDescription) {
		t.Fatalf("candidate before description err = %v, want ErrNoRemoteDescription", err)
	}

	offer, err := offerer.CreateOffer()
	if err != nil {
		t.Fatal(err)
	}
	if err := answerer.SetRemoteDescription(offer); err != nil {
		t.Fatal(err)
	}

	if err := answerer.AddRemoteCandidate(cand); err != nil {
		t.Fatalf("candidate after description: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	e, err := New("room-test", Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
}
