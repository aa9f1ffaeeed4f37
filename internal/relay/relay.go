package relay

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/romashorodok/session-coordinator/pkg/protocol"
	"go.uber.org/fx"
)

var (
	ErrNotMember   = errors.New("sender is not a connected member of the room")
	ErrInvalidKind = errors.New("invalid signal kind")
)

// Membership is the read-only registry view the relay consults before
// forwarding.
type Membership interface {
	IsConnectedMember(roomID protocol.RoomID, participantID protocol.ParticipantID) bool
	ConnectedHandle(roomID protocol.RoomID, participantID protocol.ParticipantID) (protocol.ConnectionHandle, bool)
}

// Relay validates and forwards negotiation messages between peers. It is
// stateless per message, never inspects payloads and never persists them.
type Relay struct {
	logger     *slog.Logger
	membership Membership
}

// Forward delivers the message to the target's current connection handle.
// A missing target is not an error: negotiation messages race with
// departure, so the message is silently dropped and delivered=false.
func (r *Relay) Forward(msg *protocol.SignalMessage) (bool, error) {
	if !msg.Kind.Valid() {
		return false, ErrInvalidKind
	}

	if !r.membership.IsConnectedMember(msg.RoomID, msg.SenderID) {
		return false, ErrNotMember
	}

	handle, exist := r.membership.ConnectedHandle(msg.RoomID, msg.TargetID)
	if !exist {
		r.logger.Debug("signal target departed, dropping",
			slog.String("room_id", msg.RoomID),
			slog.String("sender_id", msg.SenderID),
			slog.String("target_id", msg.TargetID),
			slog.String("kind", string(msg.Kind)))
		return false, nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return false, err
	}

	if err := handle.WriteJSON(&protocol.Frame{
		Event: string(msg.Kind),
		Data:  string(data),
	}); err != nil {
		// The target's transport broke mid-send. Same outcome as a
		// departed target.
		r.logger.Debug("signal forward failed, dropping",
			slog.String("target_id", msg.TargetID),
			slog.String("err", err.Error()))
		return false, nil
	}

	return true, nil
}

type NewRelayParams struct {
	fx.In

	Logger     *slog.Logger
	Membership Membership
}

func NewRelay(params NewRelayParams) *Relay {
	return &Relay{
		logger:     params.Logger,
		membership: params.Membership,
	}
}
