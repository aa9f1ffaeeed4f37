package negotiation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	webrtc "github.com/pion/webrtc/v4"
	"github.com/romashorodok/session-coordinator/pkg/protocol"
	"go.uber.org/atomic"
)

type fakeTransport struct {
	mu         sync.Mutex
	remote     []webrtc.SessionDescription
	candidates []webrtc.ICECandidateInit
	closed     bool
}

func (t *fakeTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}

func (t *fakeTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, nil
}

func (t *fakeTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote = append(t.remote, desc)
	return nil
}

func (t *fakeTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.candidates = append(t.candidates, candidate)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) remoteCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.remote)
}

func (t *fakeTransport) candidateCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.candidates)
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeSignaler struct {
	offers     chan webrtc.SessionDescription
	answers    chan webrtc.SessionDescription
	candidates chan webrtc.ICECandidateInit
}

func newFakeSignaler() *fakeSignaler {
	return &fakeSignaler{
		offers:     make(chan webrtc.SessionDescription, 16),
		answers:    make(chan webrtc.SessionDescription, 16),
		candidates: make(chan webrtc.ICECandidateInit, 16),
	}
}

func (s *fakeSignaler) SendOffer(target protocol.ParticipantID, desc webrtc.SessionDescription) error {
	s.offers <- desc
	return nil
}

func (s *fakeSignaler) SendAnswer(target protocol.ParticipantID, desc webrtc.SessionDescription) error {
	s.answers <- desc
	return nil
}

func (s *fakeSignaler) SendCandidate(target protocol.ParticipantID, candidate webrtc.ICECandidateInit) error {
	s.candidates <- candidate
	return nil
}

func testConfig() CoordinatorConfig {
	return CoordinatorConfig{
		RetryCount:     3,
		BackoffBase:    time.Millisecond,
		AttemptTimeout: time.Second * 2,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitRecv[T any](t *testing.T, ch <-chan T, msg string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second * 2):
		t.Fatal(msg)
	}
	panic("unreachable")
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(time.Second * 2)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond * 5)
	}
	t.Fatal(msg)
}

func newTestLink(t *testing.T, localID, remoteID protocol.ParticipantID, signaler Signaler, factory TransportFactory, config CoordinatorConfig) *PeerLink {
	t.Helper()
	return NewPeerLink(NewPeerLinkParams{
		Parent:   context.Background(),
		LocalID:  localID,
		RemoteID: remoteID,
		Signaler: signaler,
		Factory:  factory,
		Logger:   testLogger(),
		Config:   config,
	})
}

func singleTransportFactory(transport *fakeTransport) TransportFactory {
	return func(remote protocol.ParticipantID, link *PeerLink) (SessionTransport, error) {
		return transport, nil
	}
}

func TestInitiatorTieBreak(t *testing.T) {
	signaler := newFakeSignaler()
	factory := singleTransportFactory(&fakeTransport{})

	ab := newTestLink(t, "a", "b", signaler, factory, testConfig())
	ba := newTestLink(t, "b", "a", signaler, factory, testConfig())

	if !ab.Initiator() {
		t.Fatal("the lower participant id must initiate")
	}
	if ba.Initiator() {
		t.Fatal("the higher participant id must not initiate")
	}
}

func TestInitiatorHandshake(t *testing.T) {
	signaler := newFakeSignaler()
	transport := &fakeTransport{}
	link := newTestLink(t, "a", "b", signaler, singleTransportFactory(transport), testConfig())
	link.Start()
	defer func() { link.Depart(); <-link.Done() }()

	waitRecv(t, signaler.offers, "expected an offer")
	eventually(t, func() bool { return link.State() == Offering }, "state must be Offering")

	link.AnswerReceived(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	eventually(t, func() bool { return link.State() == Connecting }, "state must be Connecting")
	if transport.remoteCount() != 1 {
		t.Fatalf("remote descriptions=%d, want 1", transport.remoteCount())
	}

	link.TransportConnected()
	eventually(t, func() bool { return link.State() == Connected }, "state must be Connected")
	if link.RetryCount() != 0 {
		t.Fatalf("retryCount=%d, want 0", link.RetryCount())
	}
}

func TestNonInitiatorBuffersEarlyCandidates(t *testing.T) {
	signaler := newFakeSignaler()
	transport := &fakeTransport{}
	link := newTestLink(t, "b", "a", signaler, singleTransportFactory(transport), testConfig())
	link.Start()
	defer func() { link.Depart(); <-link.Done() }()

	// Candidates may outrun the offer they belong to. They must be held
	// back until a remote description exists.
	link.CandidateReceived(webrtc.ICECandidateInit{Candidate: "candidate:1"})
	link.CandidateReceived(webrtc.ICECandidateInit{Candidate: "candidate:2"})

	link.OfferReceived(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})

	waitRecv(t, signaler.answers, "expected an answer")
	eventually(t, func() bool { return link.State() == Connecting }, "state must be Connecting")

	if transport.candidateCount() != 2 {
		t.Fatalf("candidates=%d, want 2 flushed after the remote description", transport.candidateCount())
	}

	// Late candidates apply immediately.
	link.CandidateReceived(webrtc.ICECandidateInit{Candidate: "candidate:3"})
	eventually(t, func() bool { return transport.candidateCount() == 3 }, "late candidate must apply directly")
}

func TestInitiatorDropsGlareOffer(t *testing.T) {
	signaler := newFakeSignaler()
	transport := &fakeTransport{}
	link := newTestLink(t, "a", "b", signaler, singleTransportFactory(transport), testConfig())
	link.Start()
	defer func() { link.Depart(); <-link.Done() }()

	waitRecv(t, signaler.offers, "expected an offer")

	// A simultaneous offer from the peer that lost the tie-break.
	link.OfferReceived(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	link.AnswerReceived(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})

	eventually(t, func() bool { return link.State() == Connecting }, "state must be Connecting")

	// Only the answer reached the transport; the glare offer was dropped.
	if transport.remoteCount() != 1 {
		t.Fatalf("remote descriptions=%d, want 1", transport.remoteCount())
	}
	if len(signaler.answers) != 0 {
		t.Fatal("initiator must never answer")
	}
}

func TestRetryExhaustion(t *testing.T) {
	signaler := newFakeSignaler()
	factoryCalls := atomic.NewInt32(0)
	factory := func(remote protocol.ParticipantID, link *PeerLink) (SessionTransport, error) {
		factoryCalls.Inc()
		return nil, errors.New("no transport")
	}

	terminated := atomic.NewInt32(0)
	link := NewPeerLink(NewPeerLinkParams{
		Parent:       context.Background(),
		LocalID:      "a",
		RemoteID:     "b",
		Signaler:     signaler,
		Factory:      factory,
		Logger:       testLogger(),
		Config:       CoordinatorConfig{RetryCount: 3, BackoffBase: time.Millisecond, AttemptTimeout: time.Millisecond * 100},
		OnTerminated: func(remote protocol.ParticipantID) { terminated.Inc() },
	})
	link.Start()

	waitRecv(t, link.Done(), "link must terminate after exhausting retries")

	if got := factoryCalls.Load(); got != 3 {
		t.Fatalf("attempts=%d, want exactly 3", got)
	}
	if link.State() != Terminated {
		t.Fatalf("state=%s, want Terminated", link.State())
	}
	if link.RetryCount() != 3 {
		t.Fatalf("retryCount=%d, want 3", link.RetryCount())
	}
	if got := terminated.Load(); got != 1 {
		t.Fatalf("terminated callbacks=%d, want 1", got)
	}
}

func TestStallCountsAsFailure(t *testing.T) {
	signaler := newFakeSignaler()
	terminated := atomic.NewInt32(0)
	link := NewPeerLink(NewPeerLinkParams{
		Parent:   context.Background(),
		LocalID:  "a",
		RemoteID: "b",
		Signaler: signaler,
		Factory: func(remote protocol.ParticipantID, link *PeerLink) (SessionTransport, error) {
			return &fakeTransport{}, nil
		},
		Logger:       testLogger(),
		Config:       CoordinatorConfig{RetryCount: 2, BackoffBase: time.Millisecond, AttemptTimeout: time.Millisecond * 20},
		OnTerminated: func(remote protocol.ParticipantID) { terminated.Inc() },
	})
	link.Start()

	waitRecv(t, link.Done(), "stalled link must terminate")

	// One offer per attempt, no answer ever arrived.
	if got := len(signaler.offers); got != 2 {
		t.Fatalf("offers=%d, want 2", got)
	}
	if got := terminated.Load(); got != 1 {
		t.Fatalf("terminated callbacks=%d, want 1", got)
	}
}

func TestConnectedResetsRetryCount(t *testing.T) {
	signaler := newFakeSignaler()
	transport := &fakeTransport{}
	factoryCalls := atomic.NewInt32(0)
	factory := func(remote protocol.ParticipantID, link *PeerLink) (SessionTransport, error) {
		if factoryCalls.Inc() == 1 {
			return nil, errors.New("first attempt fails")
		}
		return transport, nil
	}

	link := newTestLink(t, "a", "b", signaler, factory, testConfig())
	link.Start()
	defer func() { link.Depart(); <-link.Done() }()

	waitRecv(t, signaler.offers, "expected an offer from the second attempt")
	link.AnswerReceived(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	link.TransportConnected()

	eventually(t, func() bool { return link.State() == Connected }, "state must be Connected")
	if link.RetryCount() != 0 {
		t.Fatalf("retryCount=%d, want 0 after connecting", link.RetryCount())
	}
}

func TestConnectionDropTriggersRetry(t *testing.T) {
	signaler := newFakeSignaler()
	factoryCalls := atomic.NewInt32(0)
	factory := func(remote protocol.ParticipantID, link *PeerLink) (SessionTransport, error) {
		factoryCalls.Inc()
		return &fakeTransport{}, nil
	}

	link := newTestLink(t, "a", "b", signaler, factory, testConfig())
	link.Start()
	defer func() { link.Depart(); <-link.Done() }()

	waitRecv(t, signaler.offers, "expected the first offer")
	link.AnswerReceived(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	link.TransportConnected()
	eventually(t, func() bool { return link.State() == Connected }, "state must be Connected")

	// The established connection breaks; the link starts over with a fresh
	// transport.
	link.TransportFailed()

	waitRecv(t, signaler.offers, "expected a re-offer after the drop")
	if got := factoryCalls.Load(); got != 2 {
		t.Fatalf("transports=%d, want 2", got)
	}
}

func TestDepartAbortsNegotiation(t *testing.T) {
	signaler := newFakeSignaler()
	transport := &fakeTransport{}
	terminated := atomic.NewInt32(0)
	link := NewPeerLink(NewPeerLinkParams{
		Parent:       context.Background(),
		LocalID:      "a",
		RemoteID:     "b",
		Signaler:     signaler,
		Factory:      singleTransportFactory(transport),
		Logger:       testLogger(),
		Config:       testConfig(),
		OnTerminated: func(remote protocol.ParticipantID) { terminated.Inc() },
	})
	link.Start()

	waitRecv(t, signaler.offers, "expected an offer")
	link.Depart()

	waitRecv(t, link.Done(), "departed link must stop")

	if link.State() != Terminated {
		t.Fatalf("state=%s, want Terminated", link.State())
	}
	if !transport.isClosed() {
		t.Fatal("transport must be closed on departure")
	}
	if terminated.Load() != 0 {
		t.Fatal("departure is not a retry exhaustion")
	}
}
