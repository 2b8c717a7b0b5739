package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrRoomNotFound       = errors.New("room not found")
	ErrForbidden          = errors.New("forbidden")
	ErrRoomFull           = errors.New("room is full")
	ErrInvalidPassword    = errors.New("invalid password")
	ErrLocked             = errors.New("too many failed attempts")
	ErrInvalidCode        = errors.New("invalid code")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPasswordTooShort   = errors.New("password too short")
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenExpired       = errors.New("token expired or not valid yet")
)

// LockedError carries the remaining lockout so clients can show a
// retry-after. errors.Is(err, ErrLocked) matches through Unwrap.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("too many failed attempts, retry in %ds", int(e.RetryAfter.Seconds()))
}

func (e *LockedError) Unwrap() error { return ErrLocked }
