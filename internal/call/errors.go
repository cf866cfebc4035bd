package call

import "errors"

var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrRoomFull          = errors.New("room is full")
	ErrRoomLocked        = errors.New("room is locked")
	ErrAlreadyPresent    = errors.New("user is already an active participant")
	ErrNotAParticipant   = errors.New("user is not a participant of the room")
	ErrTargetUnreachable = errors.New("target participant is unreachable")
	ErrGraceExpired      = errors.New("reconnect grace period expired")
	ErrAlreadyRecording  = errors.New("room already has an active recording")
	ErrRecordingNotFound = errors.New("recording not found")
)
