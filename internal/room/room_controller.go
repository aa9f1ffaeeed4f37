package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	echo "github.com/labstack/echo/v4"
	webrtc "github.com/pion/webrtc/v4"
	"github.com/romashorodok/session-coordinator/internal/reconnect"
	"github.com/romashorodok/session-coordinator/internal/relay"
	"github.com/romashorodok/session-coordinator/pkg/protocol"
	"github.com/romashorodok/session-coordinator/pkg/wsutils"
	"go.uber.org/fx"
)

type roomController struct {
	roomService  *RoomService
	relay        *relay.Relay
	roomNotifier *RoomNotifier
	webrtcConfig *webrtc.Configuration
	logger       *slog.Logger
	upgrader     websocket.Upgrader
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrRoomFull):
		return "room-full"
	case errors.Is(err, ErrRoomNotFound):
		return "room-not-found"
	case errors.Is(err, ErrRoomInactive):
		return "room-inactive"
	case errors.Is(err, ErrAlreadyConnected):
		return "already-connected"
	case errors.Is(err, ErrParticipantNotFound):
		return "participant-not-found"
	case errors.Is(err, reconnect.ErrTokenExpired):
		return "token-expired"
	case errors.Is(err, reconnect.ErrTokenInvalid):
		return "token-invalid"
	default:
		return "internal-error"
	}
}

func (ctrl *roomController) wsError(w *wsutils.ThreadSafeWriter, err error) error {
	ctrl.logger.Error(fmt.Sprintf("%s | Err: %s", w.Conn.RemoteAddr(), err))
	w.WriteJSON(&protocol.Frame{
		Event: protocol.FrameEventError,
		Data:  errorCode(err),
	})
	return err
}

func (ctrl *roomController) RoomControllerRoomCreate(ctx echo.Context) error {
	var request protocol.RoomCreateOption
	if err := json.NewDecoder(ctx.Request().Body).Decode(&request); err != nil {
		return err
	}

	room, err := ctrl.roomService.CreateOrGetRoom(request.RoomKey, request.CapacityHint)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, errorCode(err))
	}

	return ctx.JSON(http.StatusCreated, room)
}

type roomListResponse struct {
	Rooms []RoomInfo `json:"rooms"`
}

func (ctrl *roomController) RoomControllerRoomList(ctx echo.Context) error {
	return ctx.JSON(http.StatusOK, roomListResponse{
		Rooms: ctrl.roomService.ListRoom(),
	})
}

// RoomControllerRoomNotifier streams room-updated pings to room list
// watchers.
func (ctrl *roomController) RoomControllerRoomNotifier(ctx echo.Context) error {
	conn, err := ctrl.upgrader.Upgrade(ctx.Response().Writer, ctx.Request(), nil)
	if err != nil {
		ctrl.logger.Error(fmt.Sprintf("Unable upgrade request %+v", ctx.Request()))
		return err
	}

	w := wsutils.NewThreadSafeWriter(conn)
	defer w.Close()

	id := uuid.NewString()
	ctrl.roomNotifier.Listen(id, func(ev Event) {
		if ev.Kind != EventRoomUpdated {
			return
		}
		w.WriteJSON(&protocol.Frame{
			Event: protocol.FrameEventUpdateRooms,
		})
	})
	defer ctrl.roomNotifier.Stop(id)

	<-ctx.Request().Context().Done()
	return ErrRoomCancelByUser
}

func (ctrl *roomController) RoomControllerRoomJoin(ctx echo.Context) error {
	roomID := ctx.Param("roomID")

	conn, err := ctrl.upgrader.Upgrade(ctx.Response().Writer, ctx.Request(), nil)
	if err != nil {
		ctrl.logger.Error(fmt.Sprintf("Unable upgrade request %+v", ctx.Request()))
		return err
	}

	w := wsutils.NewThreadSafeWriter(conn)
	defer w.Close()

	frame := &protocol.Frame{}
	if err := w.ReadJSON(frame); err != nil {
		return ctrl.wsError(w, err)
	}
	if frame.Event != protocol.FrameEventJoin {
		return ctrl.wsError(w, errors.New("expected join frame first"))
	}

	var joinRequest protocol.JoinRequest
	if err := json.Unmarshal([]byte(frame.Data), &joinRequest); err != nil {
		return ctrl.wsError(w, err)
	}

	result, err := ctrl.roomService.Join(roomID, joinRequest, w)
	if err != nil {
		return ctrl.wsError(w, err)
	}
	defer ctrl.roomService.Leave(w)

	joined, err := json.Marshal(protocol.JoinResponse{
		Room:              result.Room,
		Participant:       result.Participant,
		Participants:      result.Participants,
		ReconnectionToken: result.ReconnectionToken,
		Reconnected:       result.Reconnected,
		ICEServers:        ctrl.webrtcConfig.ICEServers,
	})
	if err != nil {
		return ctrl.wsError(w, err)
	}
	if err := w.WriteJSON(&protocol.Frame{
		Event: protocol.FrameEventJoined,
		Data:  string(joined),
	}); err != nil {
		return ctrl.wsError(w, err)
	}

	participantID := result.Participant.ID

	// Roster events of this room flow to the participant so its own
	// coordinator can open and tear down peer links.
	listenerID := uuid.NewString()
	ctrl.roomNotifier.Listen(listenerID, func(ev Event) {
		if ev.Room.ID != roomID || ev.Participant == nil {
			return
		}

		var event string
		switch ev.Kind {
		case EventParticipantJoined:
			event = protocol.FrameEventParticipantJoined
		case EventParticipantLeft:
			event = protocol.FrameEventParticipantLeft
		default:
			return
		}

		data, err := json.Marshal(ev.Participant)
		if err != nil {
			return
		}
		w.WriteJSON(&protocol.Frame{Event: event, Data: string(data)})
	})
	defer ctrl.roomNotifier.Stop(listenerID)

	for {
		if err := w.ReadJSON(frame); err != nil {
			return ctrl.wsError(w, err)
		}

		ctrl.roomService.Seen(w)

		switch frame.Event {
		case protocol.FrameEventOffer, protocol.FrameEventAnswer, protocol.FrameEventCandidate:
			var message protocol.SignalMessage
			if err := json.Unmarshal([]byte(frame.Data), &message); err != nil {
				return ctrl.wsError(w, err)
			}

			// The sender never speaks for anyone else.
			message.RoomID = roomID
			message.SenderID = participantID
			message.Kind = protocol.SignalKind(frame.Event)

			if _, err := ctrl.relay.Forward(&message); err != nil {
				return ctrl.wsError(w, err)
			}

		case protocol.FrameEventHeartbeat:
			ctrl.roomService.Touch(roomID)

		case protocol.FrameEventLeave:
			return nil

		default:
			return ctrl.wsError(w, errors.New("wrong message event"))
		}
	}
}

func (ctrl *roomController) Resolve(c *echo.Echo) error {
	c.POST("/rooms", ctrl.RoomControllerRoomCreate)
	c.GET("/rooms", ctrl.RoomControllerRoomList)
	c.GET("/rooms/:roomID/join", ctrl.RoomControllerRoomJoin)
	c.GET("/rooms-notifier", ctrl.RoomControllerRoomNotifier)
	return nil
}

var _ protocol.HttpResolvable = (*roomController)(nil)

type newRoomController_Params struct {
	fx.In

	RoomService  *RoomService
	Relay        *relay.Relay
	RoomNotifier *RoomNotifier
	WebrtcConfig *webrtc.Configuration
	Logger       *slog.Logger
}

func NewRoomController(params newRoomController_Params) *roomController {
	return &roomController{
		roomService:  params.RoomService,
		relay:        params.Relay,
		roomNotifier: params.RoomNotifier,
		webrtcConfig: params.WebrtcConfig,
		logger:       params.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}
