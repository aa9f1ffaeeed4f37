package negotiation

import (
	"context"

	webrtc "github.com/pion/webrtc/v4"
	"github.com/romashorodok/session-coordinator/pkg/protocol"
)

// SessionTransport is the local end of one peer link. The coordinator only
// drives negotiation; media flows through the transport itself.
type SessionTransport interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// TransportFactory builds a fresh transport for an attempt against the given
// remote peer. Retries always start from a fresh transport.
type TransportFactory func(remote protocol.ParticipantID, link *PeerLink) (SessionTransport, error)

// Signaler carries negotiation messages to a remote peer through the
// control-plane relay.
type Signaler interface {
	SendOffer(target protocol.ParticipantID, desc webrtc.SessionDescription) error
	SendAnswer(target protocol.ParticipantID, desc webrtc.SessionDescription) error
	SendCandidate(target protocol.ParticipantID, candidate webrtc.ICECandidateInit) error
}
