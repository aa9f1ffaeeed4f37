package negotiation

import (
	"context"

	webrtc "github.com/pion/webrtc/v4"
	"github.com/romashorodok/session-coordinator/pkg/protocol"
)

// WebRTCTransport backs a peer link with a pion peer connection. Candidates
// trickle out through the signaler as they are gathered; connection state
// changes feed back into the link's event mailbox.
type WebRTCTransport struct {
	peerConnection *webrtc.PeerConnection
}

type NewWebRTCTransportParams struct {
	Config   webrtc.Configuration
	Remote   protocol.ParticipantID
	Link     *PeerLink
	Signaler Signaler
}

func NewWebRTCTransport(params NewWebRTCTransportParams) (*WebRTCTransport, error) {
	peerConnection, err := webrtc.NewPeerConnection(params.Config)
	if err != nil {
		return nil, err
	}

	peerConnection.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		_ = params.Signaler.SendCandidate(params.Remote, candidate.ToJSON())
	})

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			params.Link.TransportConnected()
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			params.Link.TransportFailed()
		}
	})

	// The offer needs at least one m-line even before any media is added.
	if _, err := peerConnection.CreateDataChannel("_negotiation", nil); err != nil {
		_ = peerConnection.Close()
		return nil, err
	}

	return &WebRTCTransport{peerConnection: peerConnection}, nil
}

func (t *WebRTCTransport) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	offer, err := t.peerConnection.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.peerConnection.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return offer, nil
}

func (t *WebRTCTransport) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	answer, err := t.peerConnection.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := t.peerConnection.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (t *WebRTCTransport) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return t.peerConnection.SetRemoteDescription(desc)
}

func (t *WebRTCTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.peerConnection.AddICECandidate(candidate)
}

func (t *WebRTCTransport) Close() error {
	return t.peerConnection.Close()
}

// WebRTCTransportFactory builds pion-backed transports against the given
// ICE configuration.
func WebRTCTransportFactory(config webrtc.Configuration, signaler Signaler) TransportFactory {
	return func(remote protocol.ParticipantID, link *PeerLink) (SessionTransport, error) {
		return NewWebRTCTransport(NewWebRTCTransportParams{
			Config:   config,
			Remote:   remote,
			Link:     link,
			Signaler: signaler,
		})
	}
}
