package call

import (
	"encoding/json"
	"maps"
	"sync"
	"time"

	"github.com/npezzotti/go-callroom/internal/types"
)

// Participant is one user's presence in one room. It is owned exclusively by
// its Room and must only be touched while holding the room's lock.
type Participant struct {
	UserId       string
	DisplayName  string
	ConnId       string
	AudioEnabled bool
	VideoEnabled bool
	JoinedAt     time.Time
	LastSeen     time.Time
	Quality      types.NetworkQuality
	QualityStats json.RawMessage
	// graceDeadline is non-zero while the participant is in the reconnect
	// grace period after an abrupt disconnect.
	graceDeadline time.Time
}

func (p *Participant) inGrace() bool {
	return !p.graceDeadline.IsZero()
}

func (p *Participant) view() types.Participant {
	return types.Participant{
		UserId:       p.UserId,
		DisplayName:  p.DisplayName,
		AudioEnabled: p.AudioEnabled,
		VideoEnabled: p.VideoEnabled,
		JoinedAt:     p.JoinedAt,
		LastSeen:     p.LastSeen,
		Quality:      p.Quality,
		QualityStats: p.QualityStats,
		Reconnecting: p.inGrace(),
	}
}

type recordingSession struct {
	id             string
	initiatorId    string
	startedAt      time.Time
	endedAt        *time.Time
	requireConsent bool
	consent        map[string]bool
}

func (rec *recordingSession) active() bool {
	return rec != nil && rec.endedAt == nil
}

func (rec *recordingSession) view(roomId string) *types.RecordingSession {
	v := &types.RecordingSession{
		Id:             rec.id,
		RoomId:         roomId,
		InitiatorId:    rec.initiatorId,
		StartedAt:      rec.startedAt,
		RequireConsent: rec.requireConsent,
		Consent:        maps.Clone(rec.consent),
	}
	if rec.endedAt != nil {
		endedAt := *rec.endedAt
		v.EndedAt = &endedAt
	}
	return v
}

// Room holds the participants of one live call. All mutations of a room, its
// participants and its recording session happen under mu, which serializes
// operations per room without blocking other rooms.
type Room struct {
	id        string
	mu        sync.Mutex
	capacity  int
	locked    bool
	createdAt time.Time
	// participants is ordered by join time and never contains two entries
	// with the same user id.
	participants []*Participant
	recording    *recordingSession
	// closed is set when the room is removed from the registry. Operations
	// that find a closed room behind a stale pointer must not mutate it.
	closed bool
}

// findParticipant returns the participant for userId. Callers must hold r.mu.
func (r *Room) findParticipant(userId string) (*Participant, bool) {
	for _, p := range r.participants {
		if p.UserId == userId {
			return p, true
		}
	}
	return nil, false
}

// removeParticipant drops the entry for userId, preserving join order of the
// rest. Callers must hold r.mu.
func (r *Room) removeParticipant(userId string) (*Participant, bool) {
	for i, p := range r.participants {
		if p.UserId == userId {
			r.participants = append(r.participants[:i], r.participants[i+1:]...)
			return p, true
		}
	}
	return nil, false
}

// snapshot copies the participant list so callers can iterate without holding
// the room lock. Callers must hold r.mu.
func (r *Room) snapshot() []types.Participant {
	participants := make([]types.Participant, len(r.participants))
	for i, p := range r.participants {
		participants[i] = p.view()
	}
	return participants
}

// connIds returns the connection identifiers of all connected participants
// except skipUserId. Participants in the grace period have no connection and
// are skipped. Callers must hold r.mu.
func (r *Room) connIds(skipUserId string) []string {
	ids := make([]string, 0, len(r.participants))
	for _, p := range r.participants {
		if p.UserId == skipUserId || p.inGrace() {
			continue
		}
		ids = append(ids, p.ConnId)
	}
	return ids
}

func (r *Room) state() *types.RoomState {
	state := &types.RoomState{
		RoomId:       r.id,
		Locked:       r.locked,
		Capacity:     r.capacity,
		CreatedAt:    r.createdAt,
		Participants: r.snapshot(),
	}
	if r.recording != nil {
		state.Recording = r.recording.view(r.id)
	}
	return state
}
