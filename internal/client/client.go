package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	webrtc "github.com/pion/webrtc/v4"
	"github.com/romashorodok/session-coordinator/internal/negotiation"
	"github.com/romashorodok/session-coordinator/pkg/protocol"
	"github.com/romashorodok/session-coordinator/pkg/wsutils"
)

var ErrJoinRejected = errors.New("join rejected by coordinator")

var _HEARTBEAT_INTERVAL = time.Second * 10

type Config struct {
	ServerURL   string
	RoomID      protocol.RoomID
	Identity    string
	DisplayName string

	// ReconnectionToken re-attaches a previous participant identity when
	// set.
	ReconnectionToken string

	Negotiation negotiation.CoordinatorConfig

	// OnLinkState and OnLinkTerminated surface negotiation progress to the
	// user interface layer.
	OnLinkState      func(remote protocol.ParticipantID, state negotiation.LinkState)
	OnLinkTerminated func(remote protocol.ParticipantID)
}

// Client joins one room on the coordinator and runs the local side of every
// peer negotiation.
type Client struct {
	logger *slog.Logger
	conn   *wsutils.ThreadSafeWriter

	coordinator *negotiation.Coordinator

	mu                sync.Mutex
	room              protocol.Room
	self              protocol.Participant
	reconnectionToken string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type wsSignaler struct {
	roomID  protocol.RoomID
	localID protocol.ParticipantID
	conn    *wsutils.ThreadSafeWriter
}

func (s *wsSignaler) send(kind protocol.SignalKind, target protocol.ParticipantID, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	message, err := json.Marshal(protocol.SignalMessage{
		RoomID:   s.roomID,
		SenderID: s.localID,
		TargetID: target,
		Kind:     kind,
		Payload:  data,
	})
	if err != nil {
		return err
	}

	return s.conn.WriteJSON(&protocol.Frame{
		Event: string(kind),
		Data:  string(message),
	})
}

func (s *wsSignaler) SendOffer(target protocol.ParticipantID, desc webrtc.SessionDescription) error {
	return s.send(protocol.SignalKindOffer, target, desc)
}

func (s *wsSignaler) SendAnswer(target protocol.ParticipantID, desc webrtc.SessionDescription) error {
	return s.send(protocol.SignalKindAnswer, target, desc)
}

func (s *wsSignaler) SendCandidate(target protocol.ParticipantID, candidate webrtc.ICECandidateInit) error {
	return s.send(protocol.SignalKindCandidate, target, candidate)
}

var _ negotiation.Signaler = (*wsSignaler)(nil)

// Dial connects to the coordinator, joins the room and starts negotiating
// with every already-present participant.
func Dial(ctx context.Context, config Config, logger *slog.Logger) (*Client, error) {
	url := fmt.Sprintf("%s/rooms/%s/join", config.ServerURL, config.RoomID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	w := wsutils.NewThreadSafeWriter(conn)

	joinRequest, err := json.Marshal(protocol.JoinRequest{
		Identity:          config.Identity,
		DisplayName:       config.DisplayName,
		ReconnectionToken: config.ReconnectionToken,
	})
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.WriteJSON(&protocol.Frame{
		Event: protocol.FrameEventJoin,
		Data:  string(joinRequest),
	}); err != nil {
		w.Close()
		return nil, err
	}

	frame := &protocol.Frame{}
	if err := w.ReadJSON(frame); err != nil {
		w.Close()
		return nil, err
	}
	if frame.Event == protocol.FrameEventError {
		w.Close()
		return nil, errors.Join(ErrJoinRejected, errors.New(frame.Data))
	}
	if frame.Event != protocol.FrameEventJoined {
		w.Close()
		return nil, fmt.Errorf("unexpected frame %q before joined", frame.Event)
	}

	var joined protocol.JoinResponse
	if err := json.Unmarshal([]byte(frame.Data), &joined); err != nil {
		w.Close()
		return nil, err
	}

	clientCtx, cancel := context.WithCancel(context.Background())

	signaler := &wsSignaler{
		roomID:  joined.Room.ID,
		localID: joined.Participant.ID,
		conn:    w,
	}

	coordinator := negotiation.NewCoordinator(negotiation.NewCoordinatorParams{
		Parent:   clientCtx,
		LocalID:  joined.Participant.ID,
		Signaler: signaler,
		Factory: negotiation.WebRTCTransportFactory(webrtc.Configuration{
			ICEServers: joined.ICEServers,
		}, signaler),
		Logger:        logger,
		Config:        config.Negotiation,
		OnStateChange: config.OnLinkState,
		OnTerminated:  config.OnLinkTerminated,
	})

	c := &Client{
		logger:            logger,
		conn:              w,
		coordinator:       coordinator,
		room:              joined.Room,
		self:              joined.Participant,
		reconnectionToken: joined.ReconnectionToken,
		ctx:               clientCtx,
		cancel:            cancel,
		done:              make(chan struct{}),
	}

	for _, participant := range joined.Participants {
		if participant.ID != c.self.ID && participant.Connected {
			coordinator.PeerJoined(participant.ID)
		}
	}

	go c.run()
	go c.heartbeat()

	return c, nil
}

func (c *Client) Room() protocol.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *Client) Self() protocol.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// ReconnectionToken returns the single-use credential for re-attaching this
// participant after a transport loss.
func (c *Client) ReconnectionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectionToken
}

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) heartbeat() {
	ticker := time.NewTicker(_HEARTBEAT_INTERVAL)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteJSON(&protocol.Frame{Event: protocol.FrameEventHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (c *Client) run() {
	defer close(c.done)
	defer c.coordinator.Close()

	frame := &protocol.Frame{}
	for {
		if err := c.conn.ReadJSON(frame); err != nil {
			if c.ctx.Err() == nil {
				c.logger.Debug("signaling connection lost", slog.String("err", err.Error()))
			}
			return
		}

		switch frame.Event {
		case protocol.FrameEventOffer, protocol.FrameEventAnswer, protocol.FrameEventCandidate:
			var message protocol.SignalMessage
			if err := json.Unmarshal([]byte(frame.Data), &message); err != nil {
				c.logger.Debug("malformed signal frame", slog.String("err", err.Error()))
				continue
			}
			c.dispatch(&message)

		case protocol.FrameEventParticipantJoined:
			var participant protocol.Participant
			if err := json.Unmarshal([]byte(frame.Data), &participant); err != nil {
				continue
			}
			if participant.ID != c.self.ID {
				c.coordinator.PeerJoined(participant.ID)
			}

		case protocol.FrameEventParticipantLeft:
			var participant protocol.Participant
			if err := json.Unmarshal([]byte(frame.Data), &participant); err != nil {
				continue
			}
			c.coordinator.PeerLeft(participant.ID)

		case protocol.FrameEventError:
			c.logger.Error("coordinator error frame", slog.String("code", frame.Data))

		default:
		}
	}
}

func (c *Client) dispatch(message *protocol.SignalMessage) {
	switch message.Kind {
	case protocol.SignalKindOffer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(message.Payload, &desc); err != nil {
			return
		}
		c.coordinator.HandleOffer(message.SenderID, desc)

	case protocol.SignalKindAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(message.Payload, &desc); err != nil {
			return
		}
		c.coordinator.HandleAnswer(message.SenderID, desc)

	case protocol.SignalKindCandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(message.Payload, &candidate); err != nil {
			return
		}
		c.coordinator.HandleCandidate(message.SenderID, candidate)
	}
}

// Leave announces the departure and tears down every peer link.
func (c *Client) Leave() {
	_ = c.conn.WriteJSON(&protocol.Frame{Event: protocol.FrameEventLeave})
	c.cancel()
	_ = c.conn.Close()
	<-c.done
}
