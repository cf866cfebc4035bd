package call

import (
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/npezzotti/go-callroom/internal/stats"
	"github.com/npezzotti/go-callroom/internal/types"
)

// RecordingCoordinator tracks at most one active recording session per room
// and the per-participant consent flags gating it. It shares the room locks
// of the registry, so recording state changes are serialized with every other
// mutation of the room.
type RecordingCoordinator struct {
	log                   *log.Logger
	registry              *Registry
	requireConsentDefault bool
	stats                 stats.StatsProvider
}

func NewRecordingCoordinator(registry *Registry, requireConsentDefault bool, su stats.StatsProvider, logger *log.Logger) *RecordingCoordinator {
	su.RegisterMetric("NumActiveRecordings")

	return &RecordingCoordinator{
		log:                   logger,
		registry:              registry,
		requireConsentDefault: requireConsentDefault,
		stats:                 su,
	}
}

// Start begins a recording session in the room. The initiator must be a
// current participant and implicitly grants consent by starting the session.
// The returned slice lists participants whose consent is still missing when
// the session requires it.
func (rc *RecordingCoordinator) Start(roomId, initiatorId string, requireConsent *bool) (*types.RecordingSession, []string, error) {
	r, err := rc.registry.lockRoom(roomId)
	if err != nil {
		return nil, nil, err
	}
	defer r.mu.Unlock()

	if _, ok := r.findParticipant(initiatorId); !ok {
		return nil, nil, ErrNotAParticipant
	}
	if r.recording.active() {
		return nil, nil, ErrAlreadyRecording
	}

	consentRequired := rc.requireConsentDefault
	if requireConsent != nil {
		consentRequired = *requireConsent
	}

	r.recording = &recordingSession{
		id:             uuid.NewString(),
		initiatorId:    initiatorId,
		startedAt:      time.Now(),
		requireConsent: consentRequired,
		consent:        map[string]bool{initiatorId: true},
	}
	rc.stats.Incr("NumActiveRecordings")
	rc.log.Printf("recording %q started in room %q by user %q", r.recording.id, roomId, initiatorId)

	return r.recording.view(roomId), missingConsent(r), nil
}

// RecordConsent updates the consent flag for userId on the active session.
// The returned slice lists participants whose consent is false or missing; a
// non-empty slice on a consent-required session means the recording is
// non-compliant and a warning should be emitted. The recording itself is not
// stopped here; policy enforcement is external.
func (rc *RecordingCoordinator) RecordConsent(roomId, recordingId, userId string, granted bool) (*types.RecordingSession, []string, error) {
	r, err := rc.registry.lockRoom(roomId)
	if err != nil {
		return nil, nil, err
	}
	defer r.mu.Unlock()

	if !r.recording.active() || r.recording.id != recordingId {
		return nil, nil, ErrRecordingNotFound
	}
	if _, ok := r.findParticipant(userId); !ok {
		return nil, nil, ErrNotAParticipant
	}

	r.recording.consent[userId] = granted
	rc.log.Printf("user %q consent=%t for recording %q in room %q", userId, granted, recordingId, roomId)

	return r.recording.view(roomId), missingConsent(r), nil
}

// Stop ends the recording session. Stopping an already-stopped session is
// idempotent and returns the existing terminal state; the bool reports
// whether this call performed the transition.
func (rc *RecordingCoordinator) Stop(roomId, recordingId string) (*types.RecordingSession, bool, error) {
	r, err := rc.registry.lockRoom(roomId)
	if err != nil {
		return nil, false, err
	}
	defer r.mu.Unlock()

	if r.recording == nil || r.recording.id != recordingId {
		return nil, false, ErrRecordingNotFound
	}

	var stopped bool
	if r.recording.endedAt == nil {
		endedAt := time.Now()
		r.recording.endedAt = &endedAt
		stopped = true
		rc.stats.Decr("NumActiveRecordings")
		rc.log.Printf("recording %q stopped in room %q", recordingId, roomId)
	}

	return r.recording.view(roomId), stopped, nil
}

// missingConsent lists the current participants whose consent is false or
// missing. Always empty when the session does not require consent. Callers
// must hold r.mu.
func missingConsent(r *Room) []string {
	if !r.recording.active() || !r.recording.requireConsent {
		return nil
	}

	var missing []string
	for _, p := range r.participants {
		if !r.recording.consent[p.UserId] {
			missing = append(missing, p.UserId)
		}
	}
	return missing
}
