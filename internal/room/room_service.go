package room

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/romashorodok/session-coordinator/pkg/protocol"
	"github.com/romashorodok/session-coordinator/pkg/variables"
	"go.uber.org/fx"
)

// ReconnectionTokens re-binds a departed participant identity to a fresh
// connection handle. Tokens are single-use.
type ReconnectionTokens interface {
	Issue(roomID protocol.RoomID, participantID protocol.ParticipantID) (string, error)
	Validate(token string, roomID protocol.RoomID) (protocol.ParticipantID, error)
	Invalidate(participantID protocol.ParticipantID)
}

type participantState struct {
	protocol.Participant

	handle protocol.ConnectionHandle
}

// roomContext owns one room's record. Every mutation of the room or of its
// participants happens under mu, so capacity and membership checks stay
// race-free while distinct rooms proceed in parallel.
type roomContext struct {
	mu sync.Mutex

	room         protocol.Room
	key          string
	participants map[protocol.ParticipantID]*participantState
	byHandle     map[string]protocol.ParticipantID
}

func (r *roomContext) connectedCount() int {
	count := 0
	for _, p := range r.participants {
		if p.Connected {
			count++
		}
	}
	return count
}

func (r *roomContext) snapshotParticipants() []protocol.Participant {
	result := make([]protocol.Participant, 0, len(r.participants))
	for _, p := range r.participants {
		result = append(result, p.Participant)
	}
	return result
}

type NewRoomContextParams struct {
	RoomID   protocol.RoomID
	Key      string
	Capacity int
	Now      time.Time
}

func NewRoomContext(params NewRoomContextParams) *roomContext {
	return &roomContext{
		room: protocol.Room{
			ID:             params.RoomID,
			Capacity:       params.Capacity,
			CreatedAt:      params.Now,
			LastActivityAt: params.Now,
			Active:         true,
		},
		key:          params.Key,
		participants: make(map[protocol.ParticipantID]*participantState),
		byHandle:     make(map[string]protocol.ParticipantID),
	}
}

type JoinResult struct {
	Room              protocol.Room
	Participant       protocol.Participant
	Participants      []protocol.Participant
	ReconnectionToken string
	Reconnected       bool
}

type RoomInfo struct {
	Room         protocol.Room         `json:"room"`
	Participants []protocol.Participant `json:"participants"`
}

type RoomServiceConfig struct {
	DefaultCapacity    int
	InactivityTimeout  time.Duration
	ReconnectionWindow time.Duration
}

func NewRoomServiceConfig() (RoomServiceConfig, error) {
	capacity, err := variables.ParseInt(variables.Env(variables.ROOM_CAPACITY_NAME, variables.ROOM_CAPACITY_DEFAULT))
	if err != nil {
		return RoomServiceConfig{}, err
	}

	inactivity, err := variables.ParseDuration(variables.Env(variables.ROOM_INACTIVITY_TIMEOUT_NAME, variables.ROOM_INACTIVITY_TIMEOUT_DEFAULT))
	if err != nil {
		return RoomServiceConfig{}, err
	}

	window, err := variables.ParseDuration(variables.Env(variables.RECONNECTION_WINDOW_NAME, variables.RECONNECTION_WINDOW_DEFAULT))
	if err != nil {
		return RoomServiceConfig{}, err
	}

	return RoomServiceConfig{
		DefaultCapacity:    capacity,
		InactivityTimeout:  inactivity,
		ReconnectionWindow: window,
	}, nil
}

// RoomService is the authoritative in-memory registry of rooms and
// participants. The service map is guarded by mu; each room serializes its
// own mutations through roomContext.mu.
type RoomService struct {
	mu sync.RWMutex

	logger   *slog.Logger
	notifier *RoomNotifier
	tokens   ReconnectionTokens
	config   RoomServiceConfig
	now      func() time.Time

	rooms        map[protocol.RoomID]*roomContext
	roomByKey    map[string]protocol.RoomID
	roomByHandle map[string]protocol.RoomID
}

func (s *RoomService) getRoom(roomID protocol.RoomID) (*roomContext, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, exist := s.rooms[roomID]
	return r, exist
}

// CreateOrGetRoom creates a room on first use of an external session key and
// returns the existing room on every later call with the same key.
func (s *RoomService) CreateOrGetRoom(key string, capacityHint int) (protocol.Room, error) {
	if key == "" {
		return protocol.Room{}, ErrRoomKeyIsEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if roomID, exist := s.roomByKey[key]; exist {
		if r, ok := s.rooms[roomID]; ok {
			r.mu.Lock()
			room := r.room
			r.mu.Unlock()
			return room, nil
		}
	}

	capacity := capacityHint
	if capacity <= 0 {
		capacity = s.config.DefaultCapacity
	}

	r := NewRoomContext(NewRoomContextParams{
		RoomID:   uuid.NewString(),
		Key:      key,
		Capacity: capacity,
		Now:      s.now(),
	})
	s.rooms[r.room.ID] = r
	s.roomByKey[key] = r.room.ID

	s.logger.Info("room created",
		slog.String("room_id", r.room.ID),
		slog.Int("capacity", capacity))

	return r.room, nil
}

// Join admits a participant into a room, either as a fresh member or as a
// reconnection when a valid token is presented. Reconnections bypass the
// capacity check: the disconnected record still holds its slot.
func (s *RoomService) Join(roomID protocol.RoomID, req protocol.JoinRequest, handle protocol.ConnectionHandle) (JoinResult, error) {
	// The handle check and the bind form one critical section, so two joins
	// racing on the same handle cannot both pass. The reservation is rolled
	// back on every failure path below.
	s.mu.Lock()
	if _, bound := s.roomByHandle[handle.ID()]; bound {
		s.mu.Unlock()
		return JoinResult{}, ErrAlreadyConnected
	}
	r, exist := s.rooms[roomID]
	if !exist {
		s.mu.Unlock()
		return JoinResult{}, ErrRoomNotFound
	}
	s.roomByHandle[handle.ID()] = roomID
	s.mu.Unlock()

	r.mu.Lock()

	if !r.room.Active {
		r.mu.Unlock()
		s.releaseHandle(handle.ID())
		return JoinResult{}, ErrRoomInactive
	}

	now := s.now()
	var state *participantState
	var staleHandleID string
	reconnected := false

	if req.ReconnectionToken != "" {
		participantID, err := s.tokens.Validate(req.ReconnectionToken, roomID)
		if err != nil {
			r.mu.Unlock()
			s.releaseHandle(handle.ID())
			return JoinResult{}, err
		}

		state, exist = r.participants[participantID]
		if !exist {
			r.mu.Unlock()
			s.releaseHandle(handle.ID())
			return JoinResult{}, ErrParticipantNotFound
		}

		// Reconnection swap: the previous transport may still be bound
		// while the participant re-attaches through a new one.
		if state.handle != nil {
			staleHandleID = state.handle.ID()
			delete(r.byHandle, staleHandleID)
			_ = state.handle.Close()
		}
		reconnected = true
	} else {
		if len(r.participants) >= r.room.Capacity {
			r.mu.Unlock()
			s.releaseHandle(handle.ID())
			return JoinResult{}, ErrRoomFull
		}

		state = &participantState{
			Participant: protocol.Participant{
				ID:               uuid.NewString(),
				ExternalIdentity: req.Identity,
				DisplayName:      req.DisplayName,
				RoomID:           roomID,
				Creator:          len(r.participants) == 0,
				JoinedAt:         now,
			},
		}
		r.participants[state.ID] = state
	}

	token, err := s.tokens.Issue(roomID, state.ID)
	if err != nil {
		if !reconnected {
			delete(r.participants, state.ID)
		}
		r.mu.Unlock()
		s.releaseHandle(handle.ID())
		return JoinResult{}, err
	}

	state.handle = handle
	state.Connected = true
	state.LastSeenAt = now
	r.byHandle[handle.ID()] = state.ID
	r.room.LastActivityAt = now

	result := JoinResult{
		Room:              r.room,
		Participant:       state.Participant,
		Participants:      r.snapshotParticipants(),
		ReconnectionToken: token,
		Reconnected:       reconnected,
	}
	r.mu.Unlock()

	if staleHandleID != "" {
		s.releaseHandle(staleHandleID)
	}

	participant := result.Participant
	s.notifier.Dispatch(Event{Kind: EventParticipantJoined, Room: result.Room, Participant: &participant})
	s.notifier.Dispatch(Event{Kind: EventRoomUpdated, Room: result.Room})

	return result, nil
}

func (s *RoomService) releaseHandle(handleID string) {
	s.mu.Lock()
	delete(s.roomByHandle, handleID)
	s.mu.Unlock()
}

// Leave marks the participant behind the handle as disconnected. The record
// stays until its reconnection window elapses, keeping the slot reserved.
func (s *RoomService) Leave(handle protocol.ConnectionHandle) bool {
	s.mu.Lock()
	roomID, exist := s.roomByHandle[handle.ID()]
	delete(s.roomByHandle, handle.ID())
	s.mu.Unlock()

	if !exist {
		return false
	}

	r, exist := s.getRoom(roomID)
	if !exist {
		return false
	}

	r.mu.Lock()
	participantID, exist := r.byHandle[handle.ID()]
	if !exist {
		r.mu.Unlock()
		return false
	}

	state := r.participants[participantID]
	delete(r.byHandle, handle.ID())
	state.handle = nil
	state.Connected = false
	now := s.now()
	state.LastSeenAt = now
	r.room.LastActivityAt = now

	room := r.room
	participant := state.Participant
	r.mu.Unlock()

	s.notifier.Dispatch(Event{Kind: EventParticipantLeft, Room: room, Participant: &participant})
	s.notifier.Dispatch(Event{Kind: EventRoomUpdated, Room: room})

	return true
}

// Touch bumps the room activity clock. Heartbeats keep an otherwise silent
// room alive.
func (s *RoomService) Touch(roomID protocol.RoomID) {
	r, exist := s.getRoom(roomID)
	if !exist {
		return
	}

	r.mu.Lock()
	r.room.LastActivityAt = s.now()
	r.mu.Unlock()
}

// Seen refreshes the participant behind the handle. Called on every frame
// the participant sends.
func (s *RoomService) Seen(handle protocol.ConnectionHandle) {
	s.mu.RLock()
	roomID, exist := s.roomByHandle[handle.ID()]
	s.mu.RUnlock()
	if !exist {
		return
	}

	r, exist := s.getRoom(roomID)
	if !exist {
		return
	}

	r.mu.Lock()
	now := s.now()
	if participantID, ok := r.byHandle[handle.ID()]; ok {
		r.participants[participantID].LastSeenAt = now
	}
	r.room.LastActivityAt = now
	r.mu.Unlock()
}

func (s *RoomService) Snapshot(roomID protocol.RoomID) (protocol.Room, []protocol.Participant, error) {
	r, exist := s.getRoom(roomID)
	if !exist {
		return protocol.Room{}, nil, ErrRoomNotFound
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.room, r.snapshotParticipants(), nil
}

func (s *RoomService) ListRoom() []RoomInfo {
	s.mu.RLock()
	rooms := make([]*roomContext, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	result := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		r.mu.Lock()
		if r.room.Active {
			result = append(result, RoomInfo{
				Room:         r.room,
				Participants: r.snapshotParticipants(),
			})
		}
		r.mu.Unlock()
	}
	return result
}

// IsConnectedMember reports whether the participant is a currently connected
// member of the room. Read-only; used by the signaling relay.
func (s *RoomService) IsConnectedMember(roomID protocol.RoomID, participantID protocol.ParticipantID) bool {
	r, exist := s.getRoom(roomID)
	if !exist {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	state, exist := r.participants[participantID]
	return exist && state.Connected
}

// ConnectedHandle resolves the participant's current connection handle, if
// any. The handle is returned without holding the room lock afterwards, so
// callers never block room mutations across a network send.
func (s *RoomService) ConnectedHandle(roomID protocol.RoomID, participantID protocol.ParticipantID) (protocol.ConnectionHandle, bool) {
	r, exist := s.getRoom(roomID)
	if !exist {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	state, exist := r.participants[participantID]
	if !exist || !state.Connected || state.handle == nil {
		return nil, false
	}
	return state.handle, true
}

type NewRoomServiceParams struct {
	fx.In

	Logger   *slog.Logger
	Notifier *RoomNotifier
	Tokens   ReconnectionTokens
	Config   RoomServiceConfig
}

func NewRoomService(params NewRoomServiceParams) *RoomService {
	return &RoomService{
		logger:       params.Logger,
		notifier:     params.Notifier,
		tokens:       params.Tokens,
		config:       params.Config,
		now:          time.Now,
		rooms:        make(map[protocol.RoomID]*roomContext),
		roomByKey:    make(map[string]protocol.RoomID),
		roomByHandle: make(map[string]protocol.RoomID),
	}
}
