package protocol

import "time"

type (
	RoomID        = string
	ParticipantID = string
)

type Room struct {
	ID             RoomID    `json:"id"`
	Capacity       int       `json:"capacity"`
	CreatedAt      time.Time `json:"createdAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Active         bool      `json:"active"`
}

type Participant struct {
	ID               ParticipantID `json:"id"`
	ExternalIdentity string        `json:"externalIdentity"`
	DisplayName      string        `json:"displayName"`
	RoomID           RoomID        `json:"roomId"`
	Connected        bool          `json:"connected"`
	Creator          bool          `json:"creator"`
	JoinedAt         time.Time     `json:"joinedAt"`
	LastSeenAt       time.Time     `json:"lastSeenAt"`
}

// ConnectionHandle is the transport session bound to a connected participant.
// A participant gets a new handle on every reconnect.
type ConnectionHandle interface {
	ID() string
	WriteJSON(val any) error
	Close() error
}

type RoomCreateOption struct {
	RoomKey      string `json:"roomKey"`
	CapacityHint int    `json:"capacityHint"`
}
