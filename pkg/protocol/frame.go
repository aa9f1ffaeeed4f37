package protocol

// Frame is the websocket envelope exchanged with participants. Data carries
// a JSON-encoded payload for the event.
type Frame struct {
	Event string `json:"event"`
	Data  string `json:"data"`
}

const (
	FrameEventJoin      = "join"
	FrameEventJoined    = "joined"
	FrameEventOffer     = "offer"
	FrameEventAnswer    = "answer"
	FrameEventCandidate = "candidate"
	FrameEventHeartbeat = "heartbeat"
	FrameEventLeave     = "leave"
	FrameEventError     = "error"

	FrameEventParticipantJoined = "participant-joined"
	FrameEventParticipantLeft   = "participant-left"
	FrameEventUpdateRooms       = "update-rooms"
)
