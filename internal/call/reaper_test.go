package call

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/npezzotti/go-callroom/internal/testutil"
)

func newTestReaper(t *testing.T, graceWindow, staleAfter time.Duration) (*Reaper, *Registry, *fakeDeliverer) {
	t.Helper()
	reg := newTestRegistry(t, 8, graceWindow)
	fd := newFakeDeliverer()
	rt := NewRouter(reg, fd, newTestStats(), testutil.TestLogger(t))
	rp := NewReaper(reg, reg.tracker, rt, time.Second, staleAfter, testutil.TestLogger(t))
	return rp, reg, fd
}

func TestSweep_EvictsExpiredGrace(t *testing.T) {
	rp, reg, fd := newTestReaper(t, 30*time.Second, time.Hour)

	_, _, err := reg.AddParticipant("room-1", "alice", "conn-a", "Alice", true, true)
	assert.NoError(t, err)
	_, _, err = reg.AddParticipant("room-1", "bob", "conn-b", "Bob", true, true)
	assert.NoError(t, err)
	assert.NoError(t, reg.MarkDisconnected("room-1", "alice"))

	rp.sweep(time.Now())
	assert.Empty(t, fd.messages("conn-b"), "no eviction before the deadline")

	rp.sweep(time.Now().Add(time.Minute))

	msgs := fd.messages("conn-b")
	assert.Len(t, msgs, 1)
	note := msgs[0].Notification.ParticipantLeft
	assert.Equal(t, "alice", note.UserId)
	assert.Equal(t, LeaveReasonGraceExpired, note.Reason)

	participants, err := reg.GetParticipants("room-1")
	assert.NoError(t, err)
	assert.Len(t, participants, 1)
}

func TestSweep_ReapsStaleConnections(t *testing.T) {
	rp, reg, _ := newTestReaper(t, 30*time.Second, time.Minute)

	_, _, err := reg.AddParticipant("room-1", "alice", "conn-a", "Alice", true, true)
	assert.NoError(t, err)

	// Age the mapping past the staleness threshold.
	reg.tracker.mu.Lock()
	entry := reg.tracker.conns["conn-a"]
	entry.lastActivity = time.Now().Add(-2 * time.Minute)
	reg.tracker.conns["conn-a"] = entry
	reg.tracker.mu.Unlock()

	rp.sweep(time.Now())

	_, _, ok := reg.tracker.Lookup("conn-a")
	assert.False(t, ok, "expected the stale mapping to be removed")

	participants, err := reg.GetParticipants("room-1")
	assert.NoError(t, err)
	assert.True(t, participants[0].Reconnecting, "participant behind a stale connection enters grace")
}

func TestSweep_StaleMappingWithoutParticipant(t *testing.T) {
	rp, reg, _ := newTestReaper(t, 30*time.Second, time.Minute)

	// Orphaned mapping: no room backs it.
	reg.tracker.Bind("conn-x", "no-such-room", "ghost")
	reg.tracker.mu.Lock()
	entry := reg.tracker.conns["conn-x"]
	entry.lastActivity = time.Now().Add(-2 * time.Minute)
	reg.tracker.conns["conn-x"] = entry
	reg.tracker.mu.Unlock()

	rp.sweep(time.Now())

	_, _, ok := reg.tracker.Lookup("conn-x")
	assert.False(t, ok, "orphaned mappings are unbound directly")
}

func TestReaperRunStop(t *testing.T) {
	rp, _, _ := newTestReaper(t, 30*time.Second, time.Hour)

	go rp.Run()

	done := make(chan struct{})
	go func() {
		rp.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for reaper to stop")
	}
}
