package protocol

import (
	"encoding/json"

	webrtc "github.com/pion/webrtc/v4"
)

type SignalKind string

const (
	SignalKindOffer     SignalKind = "offer"
	SignalKindAnswer    SignalKind = "answer"
	SignalKindCandidate SignalKind = "candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalKindOffer, SignalKindAnswer, SignalKindCandidate:
		return true
	}
	return false
}

// SignalMessage is one control-plane negotiation message addressed to a
// single peer. Payload is carried verbatim and never interpreted by the
// relay.
type SignalMessage struct {
	RoomID   RoomID          `json:"roomId"`
	SenderID ParticipantID   `json:"senderId"`
	TargetID ParticipantID   `json:"targetId"`
	Kind     SignalKind      `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

type JoinRequest struct {
	Identity          string `json:"identity"`
	DisplayName       string `json:"displayName"`
	ReconnectionToken string `json:"reconnectionToken,omitempty"`
}

type JoinResponse struct {
	Room              Room               `json:"room"`
	Participant       Participant        `json:"participant"`
	Participants      []Participant      `json:"participants"`
	ReconnectionToken string             `json:"reconnectionToken"`
	Reconnected       bool               `json:"reconnected"`
	ICEServers        []webrtc.ICEServer `json:"iceServers"`
}
