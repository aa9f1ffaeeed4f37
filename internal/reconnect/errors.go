package reconnect

import "errors"

var (
	ErrTokenInvalid = errors.New("reconnection token is invalid")
	ErrTokenExpired = errors.New("reconnection token is expired")
)
