package room

import "errors"

var (
	ErrRoomNotFound        = errors.New("room not found")
	ErrRoomInactive        = errors.New("room is inactive")
	ErrRoomFull            = errors.New("room is full")
	ErrRoomKeyIsEmpty      = errors.New("room key is empty")
	ErrAlreadyConnected    = errors.New("connection handle already bound")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrRoomCancelByUser    = errors.New("room canceled by user")
)
