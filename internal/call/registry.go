package call

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/npezzotti/go-callroom/internal/stats"
	"github.com/npezzotti/go-callroom/internal/types"
)

const DefaultRoomCapacity = 10

// Registry is the authoritative in-memory map of active rooms and their
// participants. Rooms are ephemeral: a room exists only while it has at least
// one participant, active or in the reconnect grace period.
//
// Lock order: the registry map lock is never held while acquiring a room
// lock, and the tracker never takes either, so holding a room lock while
// calling into the tracker is safe.
type Registry struct {
	log         *log.Logger
	mu          sync.RWMutex
	rooms       map[string]*Room
	capacity    int
	graceWindow time.Duration
	tracker     *ConnTracker
	stats       stats.StatsProvider
}

func NewRegistry(capacity int, graceWindow time.Duration, tracker *ConnTracker, su stats.StatsProvider, logger *log.Logger) *Registry {
	if capacity <= 0 {
		capacity = DefaultRoomCapacity
	}

	su.RegisterMetric("NumActiveRooms")
	su.RegisterMetric("NumParticipants")

	return &Registry{
		log:         logger,
		rooms:       make(map[string]*Room),
		capacity:    capacity,
		graceWindow: graceWindow,
		tracker:     tracker,
		stats:       su,
	}
}

// lockRoom returns the room for roomId with its lock held. Callers must
// release it with r.mu.Unlock. A room that was concurrently deleted is
// re-resolved, so the returned room is always live.
func (reg *Registry) lockRoom(roomId string) (*Room, error) {
	for {
		reg.mu.RLock()
		r, ok := reg.rooms[roomId]
		reg.mu.RUnlock()
		if !ok {
			return nil, ErrRoomNotFound
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		return r, nil
	}
}

// lockOrCreateRoom is like lockRoom but creates the room with default
// capacity and unlocked state if absent.
func (reg *Registry) lockOrCreateRoom(roomId string) *Room {
	for {
		reg.mu.Lock()
		r, ok := reg.rooms[roomId]
		if !ok {
			r = &Room{
				id:        roomId,
				capacity:  reg.capacity,
				createdAt: time.Now(),
			}
			reg.rooms[roomId] = r
			reg.stats.Incr("NumActiveRooms")
			reg.log.Printf("created room %q", roomId)
		}
		reg.mu.Unlock()

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}
		return r
	}
}

// deleteIfEmpty removes the room from the registry when its last participant
// is gone, so an empty room never leaks. Callers must hold r.mu.
func (reg *Registry) deleteIfEmpty(r *Room) {
	if len(r.participants) > 0 || r.closed {
		return
	}

	r.closed = true
	reg.mu.Lock()
	if reg.rooms[r.id] == r {
		delete(reg.rooms, r.id)
		reg.stats.Decr("NumActiveRooms")
	}
	reg.mu.Unlock()
	reg.log.Printf("removed empty room %q", r.id)
}

// CreateOrGetRoom is idempotent: it creates the room if absent and returns a
// snapshot of its current state.
func (reg *Registry) CreateOrGetRoom(roomId string) *types.RoomState {
	r := reg.lockOrCreateRoom(roomId)
	defer r.mu.Unlock()

	return r.state()
}

// AddParticipant adds userId to the room. If the user currently holds a
// reconnect grace slot the call is treated as a reconnect rather than a fresh
// join: capacity and lock checks do not apply and the original joined-at time
// is preserved. The returned bool reports whether this was such a reconnect.
func (reg *Registry) AddParticipant(roomId, userId, connId, displayName string, audioEnabled, videoEnabled bool) (types.Participant, bool, error) {
	r := reg.lockOrCreateRoom(roomId)
	defer r.mu.Unlock()

	if p, ok := r.findParticipant(userId); ok {
		if !p.inGrace() {
			reg.deleteIfEmpty(r)
			return types.Participant{}, false, ErrAlreadyPresent
		}

		reg.reconnectLocked(r, p, connId)
		return p.view(), true, nil
	}

	if r.locked {
		reg.deleteIfEmpty(r)
		return types.Participant{}, false, ErrRoomLocked
	}
	if len(r.participants) >= r.capacity {
		reg.deleteIfEmpty(r)
		return types.Participant{}, false, ErrRoomFull
	}

	now := time.Now()
	p := &Participant{
		UserId:       userId,
		DisplayName:  displayName,
		ConnId:       connId,
		AudioEnabled: audioEnabled,
		VideoEnabled: videoEnabled,
		JoinedAt:     now,
		LastSeen:     now,
	}
	r.participants = append(r.participants, p)
	reg.tracker.Bind(connId, roomId, userId)
	reg.stats.Incr("NumParticipants")
	reg.log.Printf("user %q joined room %q on connection %q", userId, roomId, connId)

	return p.view(), false, nil
}

// RemoveParticipant removes userId from the room, unbinds its connection and
// drops its consent entry from any active recording. The room itself is
// deleted once empty.
func (reg *Registry) RemoveParticipant(roomId, userId string) (types.Participant, error) {
	r, err := reg.lockRoom(roomId)
	if err != nil {
		return types.Participant{}, err
	}
	defer r.mu.Unlock()

	p, ok := r.removeParticipant(userId)
	if !ok {
		return types.Participant{}, ErrNotAParticipant
	}

	if p.ConnId != "" {
		reg.tracker.Unbind(p.ConnId)
	}
	if r.recording.active() {
		delete(r.recording.consent, userId)
	}
	reg.stats.Decr("NumParticipants")
	reg.log.Printf("user %q left room %q", userId, roomId)

	reg.deleteIfEmpty(r)
	return p.view(), nil
}

// GetParticipants returns a snapshot of the room's participants ordered by
// join time, safe to iterate without holding the room lock.
func (reg *Registry) GetParticipants(roomId string) ([]types.Participant, error) {
	r, err := reg.lockRoom(roomId)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	return r.snapshot(), nil
}

// RoomState returns a full snapshot of the room, including any recording
// session, for delivery to a participant after join or reconnect.
func (reg *Registry) RoomState(roomId string) (*types.RoomState, error) {
	r, err := reg.lockRoom(roomId)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	return r.state(), nil
}

// UpdateMediaState applies a partial update of the audio/video flags; nil
// fields leave the prior value unchanged.
func (reg *Registry) UpdateMediaState(roomId, userId string, audio, video *bool) (types.Participant, error) {
	r, err := reg.lockRoom(roomId)
	if err != nil {
		return types.Participant{}, err
	}
	defer r.mu.Unlock()

	p, ok := r.findParticipant(userId)
	if !ok {
		return types.Participant{}, ErrNotAParticipant
	}

	if audio != nil {
		p.AudioEnabled = *audio
	}
	if video != nil {
		p.VideoEnabled = *video
	}
	p.LastSeen = time.Now()

	return p.view(), nil
}

func (reg *Registry) UpdateNetworkQuality(roomId, userId string, quality types.NetworkQuality, rawStats json.RawMessage) (types.Participant, error) {
	r, err := reg.lockRoom(roomId)
	if err != nil {
		return types.Participant{}, err
	}
	defer r.mu.Unlock()

	p, ok := r.findParticipant(userId)
	if !ok {
		return types.Participant{}, ErrNotAParticipant
	}

	p.Quality = quality
	p.QualityStats = rawStats
	p.LastSeen = time.Now()

	return p.view(), nil
}

// SetLocked flips the room's locked flag. Only a current participant may lock
// or unlock a room.
func (reg *Registry) SetLocked(roomId, userId string, locked bool) error {
	r, err := reg.lockRoom(roomId)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	if _, ok := r.findParticipant(userId); !ok {
		return ErrNotAParticipant
	}

	r.locked = locked
	reg.log.Printf("room %q locked=%t by user %q", roomId, locked, userId)
	return nil
}

// TouchParticipant refreshes the participant's last-seen timestamp.
func (reg *Registry) TouchParticipant(roomId, userId string) {
	r, err := reg.lockRoom(roomId)
	if err != nil {
		return
	}
	defer r.mu.Unlock()

	if p, ok := r.findParticipant(userId); ok {
		p.LastSeen = time.Now()
	}
}

// MarkDisconnected starts the reconnect grace period for userId after the
// transport signaled an abrupt disconnect. The participant record stays in
// the room but its connection identifier is unbound, so signaling can no
// longer reach it until it reconnects.
func (reg *Registry) MarkDisconnected(roomId, userId string) error {
	r, err := reg.lockRoom(roomId)
	if err != nil {
		return err
	}
	defer r.mu.Unlock()

	p, ok := r.findParticipant(userId)
	if !ok {
		return ErrNotAParticipant
	}
	if p.inGrace() {
		return nil
	}

	if p.ConnId != "" {
		reg.tracker.Unbind(p.ConnId)
		p.ConnId = ""
	}
	p.graceDeadline = time.Now().Add(reg.graceWindow)
	reg.log.Printf("user %q in room %q disconnected, grace period until %s", userId, roomId, p.graceDeadline.Format(time.RFC3339))

	return nil
}

// TryReconnect resumes a participant's membership before its grace deadline,
// rebinding the connection without altering the joined-at time or any
// recording consent already given. After the deadline the participant is
// evicted and ErrGraceExpired is returned; the caller must perform a normal
// join instead.
func (reg *Registry) TryReconnect(roomId, userId, newConnId string) (*types.RoomState, error) {
	r, err := reg.lockRoom(roomId)
	if err != nil {
		return nil, ErrGraceExpired
	}
	defer r.mu.Unlock()

	p, ok := r.findParticipant(userId)
	if !ok {
		return nil, ErrGraceExpired
	}

	if p.inGrace() && time.Now().After(p.graceDeadline) {
		// The deadline elapsed but the reaper has not swept yet. Evict now
		// so the caller's follow-up join is not rejected as a duplicate.
		r.removeParticipant(userId)
		if r.recording.active() {
			delete(r.recording.consent, userId)
		}
		reg.stats.Decr("NumParticipants")
		reg.deleteIfEmpty(r)
		return nil, ErrGraceExpired
	}

	reg.reconnectLocked(r, p, newConnId)
	return r.state(), nil
}

// reconnectLocked rebinds p to a new connection and clears its grace marker.
// Callers must hold r.mu.
func (reg *Registry) reconnectLocked(r *Room, p *Participant, newConnId string) {
	p.ConnId = newConnId
	p.LastSeen = time.Now()
	p.graceDeadline = time.Time{}
	reg.tracker.RebindUser(r.id, p.UserId, newConnId)
	reg.log.Printf("user %q reconnected to room %q on connection %q", p.UserId, r.id, newConnId)
}

// Eviction describes a participant removed by the reaper, along with the
// connection identifiers of the remaining participants to notify.
type Eviction struct {
	RoomId      string
	Participant types.Participant
	Remaining   []string
}

// ExpireGrace removes every participant whose grace deadline has elapsed as
// of now and returns the evictions. It takes the same per-room locks as
// ordinary operations, so it cannot race a late reconnect.
func (reg *Registry) ExpireGrace(now time.Time) []Eviction {
	reg.mu.RLock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		rooms = append(rooms, r)
	}
	reg.mu.RUnlock()

	var evictions []Eviction
	for _, r := range rooms {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			continue
		}

		var expired []*Participant
		for _, p := range r.participants {
			if p.inGrace() && now.After(p.graceDeadline) {
				expired = append(expired, p)
			}
		}

		for _, p := range expired {
			r.removeParticipant(p.UserId)
			if r.recording.active() {
				delete(r.recording.consent, p.UserId)
			}
			reg.stats.Decr("NumParticipants")
			reg.log.Printf("reaped user %q from room %q after grace expiry", p.UserId, r.id)

			evictions = append(evictions, Eviction{
				RoomId:      r.id,
				Participant: p.view(),
				Remaining:   r.connIds(""),
			})
		}

		reg.deleteIfEmpty(r)
		r.mu.Unlock()
	}

	return evictions
}

// TargetConn validates that fromUserId and toUserId are both current
// participants of the room and returns the target's connection identifier. A
// target that is absent or mid-reconnect is unreachable.
func (reg *Registry) TargetConn(roomId, fromUserId, toUserId string) (string, error) {
	r, err := reg.lockRoom(roomId)
	if err != nil {
		return "", err
	}
	defer r.mu.Unlock()

	if _, ok := r.findParticipant(fromUserId); !ok {
		return "", ErrNotAParticipant
	}

	target, ok := r.findParticipant(toUserId)
	if !ok || target.inGrace() {
		return "", ErrTargetUnreachable
	}

	return target.ConnId, nil
}

// BroadcastTargets validates the sender's membership and returns the
// connection identifiers of every other connected participant. An empty
// senderId skips sender validation and returns every connection, which is
// how room-wide lifecycle notifications are addressed.
func (reg *Registry) BroadcastTargets(roomId, senderId string) ([]string, error) {
	r, err := reg.lockRoom(roomId)
	if err != nil {
		return nil, err
	}
	defer r.mu.Unlock()

	if senderId != "" {
		if _, ok := r.findParticipant(senderId); !ok {
			return nil, ErrNotAParticipant
		}
	}

	return r.connIds(senderId), nil
}

func (reg *Registry) NumRooms() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	return len(reg.rooms)
}
