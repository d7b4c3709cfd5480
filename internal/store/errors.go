package store

import "errors"

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrUserNotRegistered = errors.New("user not registered")
	ErrForbidden         = errors.New("forbidden")
	ErrPayloadInvalid    = errors.New("invalid payload")
)
