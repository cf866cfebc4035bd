package call

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/npezzotti/go-callroom/internal/types"
)

// Leave reasons carried on ParticipantLeft notifications.
const (
	LeaveReasonLeft         = "left"
	LeaveReasonGraceExpired = "grace_expired"
)

// Chat message types.
const (
	ChatTypeText   = "text"
	ChatTypeEmoji  = "emoji"
	ChatTypeSystem = "system"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ClientMessage is the tagged union of inbound signaling events. Exactly one
// of the pointer fields is set.
type ClientMessage struct {
	BaseMessage
	Join           *Join             `json:"join,omitempty"`
	Leave          *Leave            `json:"leave,omitempty"`
	Reconnect      *Reconnect        `json:"reconnect,omitempty"`
	Offer          *Offer            `json:"offer,omitempty"`
	Answer         *Answer           `json:"answer,omitempty"`
	Candidate      *IceCandidate     `json:"candidate,omitempty"`
	MediaState     *MediaState       `json:"media_state,omitempty"`
	Quality        *NetworkQuality   `json:"quality,omitempty"`
	Chat           *Chat             `json:"chat,omitempty"`
	Typing         *Typing           `json:"typing,omitempty"`
	Screenshare    *Screenshare      `json:"screenshare,omitempty"`
	StartRecording *StartRecording   `json:"start_recording,omitempty"`
	StopRecording  *StopRecording    `json:"stop_recording,omitempty"`
	Consent        *RecordingConsent `json:"consent,omitempty"`
	LockRoom       *LockRoom         `json:"lock_room,omitempty"`
	RoomState      *RoomStateRequest `json:"room_state,omitempty"`

	// Stamped by the transport layer from the authenticated connection,
	// never trusted from the wire.
	UserId string `json:"-"`
	ConnId string `json:"-"`
}

type Join struct {
	RoomId       string `json:"room_id"`
	DisplayName  string `json:"display_name"`
	AudioEnabled bool   `json:"audio_enabled"`
	VideoEnabled bool   `json:"video_enabled"`
}

type Leave struct {
	RoomId string `json:"room_id"`
	Reason string `json:"reason,omitempty"`
}

type Reconnect struct {
	RoomId string `json:"room_id"`
}

type Offer struct {
	RoomId string                    `json:"room_id"`
	To     string                    `json:"to"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

type Answer struct {
	RoomId string                    `json:"room_id"`
	To     string                    `json:"to"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

type IceCandidate struct {
	RoomId    string                  `json:"room_id"`
	To        string                  `json:"to"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// MediaState is a partial update: nil fields leave the prior value unchanged.
type MediaState struct {
	RoomId       string `json:"room_id"`
	AudioEnabled *bool  `json:"audio_enabled,omitempty"`
	VideoEnabled *bool  `json:"video_enabled,omitempty"`
}

type NetworkQuality struct {
	RoomId  string               `json:"room_id"`
	Quality types.NetworkQuality `json:"quality"`
	Stats   json.RawMessage      `json:"stats,omitempty"`
}

type Chat struct {
	RoomId  string `json:"room_id"`
	Content string `json:"content"`
	Type    string `json:"type,omitempty"`
	ReplyTo int    `json:"reply_to,omitempty"`
}

type Typing struct {
	RoomId  string `json:"room_id"`
	Started bool   `json:"started"`
}

type Screenshare struct {
	RoomId string `json:"room_id"`
	Active bool   `json:"active"`
}

type StartRecording struct {
	RoomId         string `json:"room_id"`
	RequireConsent *bool  `json:"require_consent,omitempty"`
}

type StopRecording struct {
	RoomId      string `json:"room_id"`
	RecordingId string `json:"recording_id"`
}

type RecordingConsent struct {
	RoomId      string `json:"room_id"`
	RecordingId string `json:"recording_id"`
	Granted     bool   `json:"granted"`
}

type LockRoom struct {
	RoomId string `json:"room_id"`
	Locked bool   `json:"locked"`
}

type RoomStateRequest struct {
	RoomId string `json:"room_id"`
}

// ServerMessage is the tagged union of outbound events: a response correlated
// to an inbound message id, or an unsolicited notification.
type ServerMessage struct {
	BaseMessage
	Response     *Response     `json:"response,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

type Response struct {
	ResponseCode int            `json:"response_code"`
	Error        string         `json:"error,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

type Notification struct {
	ParticipantJoined *ParticipantJoined     `json:"participant_joined,omitempty"`
	ParticipantLeft   *ParticipantLeft       `json:"participant_left,omitempty"`
	Offer             *OfferRelayed          `json:"offer,omitempty"`
	Answer            *AnswerRelayed         `json:"answer,omitempty"`
	Candidate         *CandidateRelayed      `json:"candidate,omitempty"`
	MediaState        *MediaStateChanged     `json:"media_state,omitempty"`
	Quality           *NetworkQualityChanged `json:"quality,omitempty"`
	Chat              *ChatDelivered         `json:"chat,omitempty"`
	Typing            *TypingChanged         `json:"typing,omitempty"`
	Screenshare       *ScreenshareChanged    `json:"screenshare,omitempty"`
	RecordingStarted  *RecordingStarted      `json:"recording_started,omitempty"`
	RecordingStopped  *RecordingStopped      `json:"recording_stopped,omitempty"`
	ConsentWarning    *ConsentWarning        `json:"consent_warning,omitempty"`
	RoomLockChanged   *RoomLockChanged       `json:"room_lock_changed,omitempty"`
	RoomState         *types.RoomState       `json:"room_state,omitempty"`
}

type ParticipantJoined struct {
	RoomId      string            `json:"room_id"`
	Participant types.Participant `json:"participant"`
}

type ParticipantLeft struct {
	RoomId      string `json:"room_id"`
	UserId      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Reason      string `json:"reason"`
}

type OfferRelayed struct {
	RoomId string                    `json:"room_id"`
	From   string                    `json:"from"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

type AnswerRelayed struct {
	RoomId string                    `json:"room_id"`
	From   string                    `json:"from"`
	SDP    webrtc.SessionDescription `json:"sdp"`
}

type CandidateRelayed struct {
	RoomId    string                  `json:"room_id"`
	From      string                  `json:"from"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type MediaStateChanged struct {
	RoomId       string `json:"room_id"`
	UserId       string `json:"user_id"`
	AudioEnabled bool   `json:"audio_enabled"`
	VideoEnabled bool   `json:"video_enabled"`
}

type NetworkQualityChanged struct {
	RoomId  string               `json:"room_id"`
	UserId  string               `json:"user_id"`
	Quality types.NetworkQuality `json:"quality"`
	Stats   json.RawMessage      `json:"stats,omitempty"`
}

type ChatDelivered struct {
	RoomId  string    `json:"room_id"`
	From    string    `json:"from"`
	Content string    `json:"content"`
	Type    string    `json:"type"`
	ReplyTo int       `json:"reply_to,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

type TypingChanged struct {
	RoomId  string `json:"room_id"`
	UserId  string `json:"user_id"`
	Started bool   `json:"started"`
}

type ScreenshareChanged struct {
	RoomId string `json:"room_id"`
	UserId string `json:"user_id"`
	Active bool   `json:"active"`
}

type RecordingStarted struct {
	RoomId    string                 `json:"room_id"`
	Recording types.RecordingSession `json:"recording"`
}

type RecordingStopped struct {
	RoomId    string                 `json:"room_id"`
	Recording types.RecordingSession `json:"recording"`
}

// ConsentWarning reports that a recording requiring consent is running while
// one or more current participants have not granted it. Policy enforcement is
// up to the consumer.
type ConsentWarning struct {
	RoomId      string   `json:"room_id"`
	RecordingId string   `json:"recording_id"`
	Missing     []string `json:"missing"`
}

type RoomLockChanged struct {
	RoomId string `json:"room_id"`
	Locked bool   `json:"locked"`
	UserId string `json:"user_id"`
}

func NoErrOK(id int, data map[string]any) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusOK,
			Data:         data,
		},
	}
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusBadRequest,
			Error:        "invalid message format",
		},
	}

	if id > 0 {
		msg.Id = id
	}
	return msg
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: http.StatusServiceUnavailable,
			Error:        "service unavailable",
		},
	}
}

// ErrResponse maps a registry, router or recording error onto a wire
// response.
func ErrResponse(id int, err error) *ServerMessage {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrRecordingNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrRoomFull), errors.Is(err, ErrAlreadyPresent), errors.Is(err, ErrAlreadyRecording):
		code = http.StatusConflict
	case errors.Is(err, ErrRoomLocked):
		code = http.StatusLocked
	case errors.Is(err, ErrNotAParticipant):
		code = http.StatusForbidden
	case errors.Is(err, ErrGraceExpired):
		code = http.StatusGone
	case errors.Is(err, ErrTargetUnreachable):
		code = http.StatusBadGateway
	}

	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        err.Error(),
		},
	}
}

// NewNotification wraps a notification in a timestamped server message.
func NewNotification(note *Notification) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Timestamp: Now(),
		},
		Notification: note,
	}
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
