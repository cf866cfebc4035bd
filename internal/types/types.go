package types

import (
	"encoding/json"
	"time"
)

// NetworkQuality is the most recent quality classification reported for a
// participant's media path.
type NetworkQuality string

const (
	QualityExcellent NetworkQuality = "excellent"
	QualityGood      NetworkQuality = "good"
	QualityFair      NetworkQuality = "fair"
	QualityPoor      NetworkQuality = "poor"
)

type Participant struct {
	UserId       string          `json:"user_id"`
	DisplayName  string          `json:"display_name"`
	AudioEnabled bool            `json:"audio_enabled"`
	VideoEnabled bool            `json:"video_enabled"`
	JoinedAt     time.Time       `json:"joined_at"`
	LastSeen     time.Time       `json:"last_seen"`
	Quality      NetworkQuality  `json:"quality,omitempty"`
	QualityStats json.RawMessage `json:"quality_stats,omitempty"`
	Reconnecting bool            `json:"reconnecting,omitempty"`
}

type RecordingSession struct {
	Id             string          `json:"id"`
	RoomId         string          `json:"room_id"`
	InitiatorId    string          `json:"initiator_id"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        *time.Time      `json:"ended_at,omitempty"`
	RequireConsent bool            `json:"require_consent"`
	Consent        map[string]bool `json:"consent"`
}

type RoomState struct {
	RoomId       string            `json:"room_id"`
	Locked       bool              `json:"locked"`
	Capacity     int               `json:"capacity"`
	CreatedAt    time.Time         `json:"created_at"`
	Participants []Participant     `json:"participants"`
	Recording    *RecordingSession `json:"recording,omitempty"`
}
