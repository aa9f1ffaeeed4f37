package negotiation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	webrtc "github.com/pion/webrtc/v4"
	"github.com/romashorodok/session-coordinator/pkg/protocol"
	"github.com/romashorodok/session-coordinator/pkg/variables"
)

var _ATTEMPT_TIMEOUT = time.Second * 30

type CoordinatorConfig struct {
	// RetryCount is the number of consecutive failures after which a link
	// terminates for good.
	RetryCount int

	// BackoffBase is the wait before the first re-attempt; it doubles per
	// consecutive failure.
	BackoffBase time.Duration

	// AttemptTimeout bounds one offer/answer round. A round that makes no
	// progress within it counts as a stall.
	AttemptTimeout time.Duration
}

func NewCoordinatorConfig() (CoordinatorConfig, error) {
	retryCount, err := variables.ParseInt(variables.Env(variables.NEGOTIATION_RETRY_COUNT_NAME, variables.NEGOTIATION_RETRY_COUNT_DEFAULT))
	if err != nil {
		return CoordinatorConfig{}, err
	}

	backoffBase, err := variables.ParseDuration(variables.Env(variables.NEGOTIATION_BACKOFF_BASE_NAME, variables.NEGOTIATION_BACKOFF_BASE_DEFAULT))
	if err != nil {
		return CoordinatorConfig{}, err
	}

	return CoordinatorConfig{
		RetryCount:     retryCount,
		BackoffBase:    backoffBase,
		AttemptTimeout: _ATTEMPT_TIMEOUT,
	}, nil
}

// Coordinator owns the peer links of one local participant. It creates a
// link per remote peer, routes incoming signal messages to the right link
// and tears links down the moment a peer departs.
type Coordinator struct {
	mu sync.Mutex

	localID  protocol.ParticipantID
	signaler Signaler
	factory  TransportFactory
	logger   *slog.Logger
	config   CoordinatorConfig

	onStateChange func(remote protocol.ParticipantID, state LinkState)
	onTerminated  func(remote protocol.ParticipantID)

	links  map[protocol.ParticipantID]*PeerLink
	ctx    context.Context
	cancel context.CancelFunc
}

type NewCoordinatorParams struct {
	Parent   context.Context
	LocalID  protocol.ParticipantID
	Signaler Signaler
	Factory  TransportFactory
	Logger   *slog.Logger
	Config   CoordinatorConfig

	// OnStateChange mirrors every link transition to the local user
	// interface layer.
	OnStateChange func(remote protocol.ParticipantID, state LinkState)

	// OnTerminated fires once per link when its retries are exhausted.
	OnTerminated func(remote protocol.ParticipantID)
}

func NewCoordinator(params NewCoordinatorParams) *Coordinator {
	parent := params.Parent
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Coordinator{
		localID:       params.LocalID,
		signaler:      params.Signaler,
		factory:       params.Factory,
		logger:        params.Logger,
		config:        params.Config,
		onStateChange: params.OnStateChange,
		onTerminated:  params.OnTerminated,
		links:         make(map[protocol.ParticipantID]*PeerLink),
		ctx:           ctx,
		cancel:        cancel,
	}
}

func (c *Coordinator) link(remote protocol.ParticipantID) (*PeerLink, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, exist := c.links[remote]
	return l, exist
}

// ensureLink creates and starts the link for the remote peer if it does not
// exist yet.
func (c *Coordinator) ensureLink(remote protocol.ParticipantID) *PeerLink {
	c.mu.Lock()
	defer c.mu.Unlock()

	if l, exist := c.links[remote]; exist {
		return l
	}
	if c.ctx.Err() != nil {
		return nil
	}

	l := NewPeerLink(NewPeerLinkParams{
		Parent:        c.ctx,
		LocalID:       c.localID,
		RemoteID:      remote,
		Signaler:      c.signaler,
		Factory:       c.factory,
		Logger:        c.logger,
		Config:        c.config,
		OnStateChange: c.onStateChange,
		OnTerminated:  c.onTerminated,
	})
	c.links[remote] = l
	l.Start()
	return l
}

// PeerJoined opens a link towards the remote peer. Safe to call for peers
// that already have one.
func (c *Coordinator) PeerJoined(remote protocol.ParticipantID) {
	if remote == c.localID {
		return
	}
	c.ensureLink(remote)
}

// PeerLeft cancels any in-flight negotiation with the remote peer and
// destroys the link, regardless of its state.
func (c *Coordinator) PeerLeft(remote protocol.ParticipantID) {
	c.mu.Lock()
	l, exist := c.links[remote]
	delete(c.links, remote)
	c.mu.Unlock()

	if exist {
		l.Depart()
	}
}

func (c *Coordinator) HandleOffer(from protocol.ParticipantID, desc webrtc.SessionDescription) {
	if from == c.localID {
		return
	}
	// An offer may beat the roster event announcing the peer.
	if l := c.ensureLink(from); l != nil {
		l.OfferReceived(desc)
	}
}

func (c *Coordinator) HandleAnswer(from protocol.ParticipantID, desc webrtc.SessionDescription) {
	if l, exist := c.link(from); exist {
		l.AnswerReceived(desc)
	}
}

func (c *Coordinator) HandleCandidate(from protocol.ParticipantID, candidate webrtc.ICECandidateInit) {
	if l, exist := c.link(from); exist {
		l.CandidateReceived(candidate)
	}
}

// Links returns the currently open links.
func (c *Coordinator) Links() []*PeerLink {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]*PeerLink, 0, len(c.links))
	for _, l := range c.links {
		result = append(result, l)
	}
	return result
}

// Close tears down every link. Used when the local participant leaves the
// room.
func (c *Coordinator) Close() {
	c.cancel()

	c.mu.Lock()
	links := make([]*PeerLink, 0, len(c.links))
	for _, l := range c.links {
		links = append(links, l)
	}
	c.links = make(map[protocol.ParticipantID]*PeerLink)
	c.mu.Unlock()

	for _, l := range links {
		l.Depart()
		<-l.Done()
	}
}
