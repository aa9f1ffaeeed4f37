package negotiation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	webrtc "github.com/pion/webrtc/v4"
	"github.com/romashorodok/session-coordinator/pkg/protocol"
	"go.uber.org/atomic"
)

var (
	errPeerDeparted    = errors.New("peer departed")
	errTransportFailed = errors.New("transport failed")
)

type eventKind int

const (
	evOfferReceived eventKind = iota
	evAnswerReceived
	evCandidateReceived
	evTransportConnected
	evTransportFailed
)

type event struct {
	kind      eventKind
	desc      webrtc.SessionDescription
	candidate webrtc.ICECandidateInit
}

// PeerLink runs one side of the negotiation between an ordered pair of
// participants. All transitions happen on a single goroutine fed by the
// event mailbox; cancelling the link context aborts any await instantly.
type PeerLink struct {
	localID  protocol.ParticipantID
	remoteID protocol.ParticipantID

	// Exactly one side sends the offer. The tie-break compares the stable
	// participant identities, not the transient connection handles, so the
	// initiator role survives reconnects.
	initiator bool

	signaler Signaler
	factory  TransportFactory
	logger   *slog.Logger
	config   CoordinatorConfig

	onStateChange func(remote protocol.ParticipantID, state LinkState)
	onTerminated  func(remote protocol.ParticipantID)

	state         *atomic.Uint32
	retryCount    *atomic.Int32
	lastAttemptAt *atomic.Time

	events chan event
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the run goroutine.
	transport     SessionTransport
	remoteDescSet bool
	pending       []webrtc.ICECandidateInit
}

type NewPeerLinkParams struct {
	Parent   context.Context
	LocalID  protocol.ParticipantID
	RemoteID protocol.ParticipantID
	Signaler Signaler
	Factory  TransportFactory
	Logger   *slog.Logger
	Config   CoordinatorConfig

	OnStateChange func(remote protocol.ParticipantID, state LinkState)
	OnTerminated  func(remote protocol.ParticipantID)
}

func NewPeerLink(params NewPeerLinkParams) *PeerLink {
	ctx, cancel := context.WithCancel(params.Parent)
	return &PeerLink{
		localID:       params.LocalID,
		remoteID:      params.RemoteID,
		initiator:     params.LocalID < params.RemoteID,
		signaler:      params.Signaler,
		factory:       params.Factory,
		logger:        params.Logger,
		config:        params.Config,
		onStateChange: params.OnStateChange,
		onTerminated:  params.OnTerminated,
		state:         atomic.NewUint32(uint32(Idle)),
		retryCount:    atomic.NewInt32(0),
		lastAttemptAt: atomic.NewTime(time.Time{}),
		events:        make(chan event, 32),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

func (l *PeerLink) Start() {
	go l.run()
}

func (l *PeerLink) RemoteID() protocol.ParticipantID { return l.remoteID }
func (l *PeerLink) Initiator() bool                  { return l.initiator }
func (l *PeerLink) State() LinkState                 { return LinkState(l.state.Load()) }
func (l *PeerLink) RetryCount() int                  { return int(l.retryCount.Load()) }
func (l *PeerLink) LastAttemptAt() time.Time         { return l.lastAttemptAt.Load() }
func (l *PeerLink) Done() <-chan struct{}            { return l.done }

func (l *PeerLink) OfferReceived(desc webrtc.SessionDescription) {
	l.deliver(event{kind: evOfferReceived, desc: desc})
}

func (l *PeerLink) AnswerReceived(desc webrtc.SessionDescription) {
	l.deliver(event{kind: evAnswerReceived, desc: desc})
}

func (l *PeerLink) CandidateReceived(candidate webrtc.ICECandidateInit) {
	l.deliver(event{kind: evCandidateReceived, candidate: candidate})
}

// TransportConnected is called by the transport once the peer connection is
// established.
func (l *PeerLink) TransportConnected() {
	l.deliver(event{kind: evTransportConnected})
}

// TransportFailed is called by the transport on a connection failure or
// stall.
func (l *PeerLink) TransportFailed() {
	l.deliver(event{kind: evTransportFailed})
}

// Depart tears the link down unconditionally, whatever its current state.
func (l *PeerLink) Depart() {
	l.cancel()
}

func (l *PeerLink) deliver(ev event) {
	select {
	case l.events <- ev:
	case <-l.ctx.Done():
	}
}

func (l *PeerLink) setState(state LinkState) {
	l.state.Store(uint32(state))
	if l.onStateChange != nil {
		l.onStateChange(l.remoteID, state)
	}
}

func (l *PeerLink) run() {
	defer close(l.done)
	defer func() {
		if l.transport != nil {
			_ = l.transport.Close()
		}
	}()

	for {
		err := l.attempt()

		if l.ctx.Err() != nil || errors.Is(err, errPeerDeparted) {
			l.setState(Terminated)
			return
		}

		l.setState(Failed)
		l.logger.Debug("negotiation attempt failed",
			slog.String("remote_id", l.remoteID),
			slog.String("err", err.Error()))

		failures := l.retryCount.Inc()
		if int(failures) >= l.config.RetryCount {
			l.setState(Terminated)
			if l.onTerminated != nil {
				l.onTerminated(l.remoteID)
			}
			return
		}

		l.setState(Retrying)
		delay := l.config.BackoffBase << (failures - 1)
		select {
		case <-l.ctx.Done():
			l.setState(Terminated)
			return
		case <-time.After(delay):
		}
	}
}

// attempt drives one negotiation round from a fresh transport up to the
// steady connected state. It returns errPeerDeparted on teardown and
// errTransportFailed (wrapped) on anything retryable.
func (l *PeerLink) attempt() error {
	if l.transport != nil {
		_ = l.transport.Close()
		l.transport = nil
	}
	l.remoteDescSet = false
	l.pending = nil
	l.lastAttemptAt.Store(time.Now())

	transport, err := l.factory(l.remoteID, l)
	if err != nil {
		return errors.Join(errTransportFailed, err)
	}
	l.transport = transport

	attemptCtx, cancel := context.WithTimeout(l.ctx, l.config.AttemptTimeout)
	defer cancel()

	if l.initiator {
		offer, err := transport.CreateOffer(attemptCtx)
		if err != nil {
			return errors.Join(errTransportFailed, err)
		}
		l.setState(Offering)
		if err := l.signaler.SendOffer(l.remoteID, offer); err != nil {
			return errors.Join(errTransportFailed, err)
		}
	} else {
		l.setState(Idle)
	}

	connecting := false
	for {
		select {
		case <-l.ctx.Done():
			return errPeerDeparted
		case <-attemptCtx.Done():
			// No progress within the attempt window counts as a stall.
			return errors.Join(errTransportFailed, attemptCtx.Err())
		case ev := <-l.events:
			switch ev.kind {
			case evTransportFailed:
				return errTransportFailed

			case evOfferReceived:
				if l.initiator {
					// Glare. The tie-break says the remote side must
					// wait for our offer instead.
					l.logger.Debug("dropping offer from non-initiating peer",
						slog.String("remote_id", l.remoteID))
					continue
				}
				if connecting {
					continue
				}
				l.setState(Answering)
				if err := l.setRemote(ev.desc); err != nil {
					return errors.Join(errTransportFailed, err)
				}
				answer, err := transport.CreateAnswer(attemptCtx)
				if err != nil {
					return errors.Join(errTransportFailed, err)
				}
				if err := l.signaler.SendAnswer(l.remoteID, answer); err != nil {
					return errors.Join(errTransportFailed, err)
				}
				l.setState(Connecting)
				connecting = true

			case evAnswerReceived:
				if !l.initiator || connecting {
					continue
				}
				if err := l.setRemote(ev.desc); err != nil {
					return errors.Join(errTransportFailed, err)
				}
				l.setState(Connecting)
				connecting = true

			case evCandidateReceived:
				if err := l.addCandidate(ev.candidate); err != nil {
					l.logger.Debug("candidate rejected",
						slog.String("remote_id", l.remoteID),
						slog.String("err", err.Error()))
				}

			case evTransportConnected:
				l.setState(Connected)
				l.retryCount.Store(0)
				return l.steady()
			}
		}
	}
}

// steady consumes events after the link is connected. Trickled candidates
// are still applied; stale offers and answers carry no meaning here.
func (l *PeerLink) steady() error {
	for {
		select {
		case <-l.ctx.Done():
			return errPeerDeparted
		case ev := <-l.events:
			switch ev.kind {
			case evTransportFailed:
				return errTransportFailed
			case evCandidateReceived:
				if err := l.addCandidate(ev.candidate); err != nil {
					l.logger.Debug("candidate rejected",
						slog.String("remote_id", l.remoteID),
						slog.String("err", err.Error()))
				}
			}
		}
	}
}

func (l *PeerLink) setRemote(desc webrtc.SessionDescription) error {
	if err := l.transport.SetRemoteDescription(desc); err != nil {
		return err
	}
	l.remoteDescSet = true

	for _, candidate := range l.pending {
		if err := l.transport.AddICECandidate(candidate); err != nil {
			return err
		}
	}
	l.pending = nil
	return nil
}

// addCandidate buffers candidates that arrive before the remote description
// is set and applies them on arrival otherwise.
func (l *PeerLink) addCandidate(candidate webrtc.ICECandidateInit) error {
	if !l.remoteDescSet {
		l.pending = append(l.pending, candidate)
		return nil
	}
	return l.transport.AddICECandidate(candidate)
}
