package call

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"

	"github.com/npezzotti/go-callroom/internal/testutil"
)

// fakeDeliverer records every delivery keyed by connection identifier and can
// be told to fail specific connections.
type fakeDeliverer struct {
	mu        sync.Mutex
	delivered map[string][]*ServerMessage
	failConns map[string]bool
}

func newFakeDeliverer() *fakeDeliverer {
	return &fakeDeliverer{
		delivered: make(map[string][]*ServerMessage),
		failConns: make(map[string]bool),
	}
}

func (f *fakeDeliverer) Deliver(connId string, msg *ServerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failConns[connId] {
		return fmt.Errorf("connection %q is closed", connId)
	}
	f.delivered[connId] = append(f.delivered[connId], msg)
	return nil
}

func (f *fakeDeliverer) messages(connId string) []*ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.delivered[connId]
}

func newTestRouter(t *testing.T) (*Router, *Registry, *fakeDeliverer) {
	t.Helper()
	reg := newTestRegistry(t, 8, time.Minute)
	fd := newFakeDeliverer()
	rt := NewRouter(reg, fd, newTestStats(), testutil.TestLogger(t))
	return rt, reg, fd
}

func testOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n",
	}
}

func TestRoute_Offer(t *testing.T) {
	t.Run("relays to target connection", func(t *testing.T) {
		rt, reg, fd := newTestRouter(t)
		_, _, err := reg.AddParticipant("room-1", "alice", "conn-a", "Alice", true, true)
		assert.NoError(t, err)
		_, _, err = reg.AddParticipant("room-1", "bob", "conn-b", "Bob", true, true)
		assert.NoError(t, err)

		err = rt.Route(&ClientMessage{
			UserId: "alice",
			Offer:  &Offer{RoomId: "room-1", To: "bob", SDP: testOffer()},
		})
		assert.NoError(t, err)

		msgs := fd.messages("conn-b")
		assert.Len(t, msgs, 1)
		offer := msgs[0].Notification.Offer
		assert.NotNil(t, offer)
		assert.Equal(t, "alice", offer.From)
		assert.Equal(t, testOffer().SDP, offer.SDP.SDP, "payload must be forwarded unchanged")
		assert.Empty(t, fd.messages("conn-a"), "sender receives nothing")
	})

	t.Run("target absent", func(t *testing.T) {
		rt, reg, _ := newTestRouter(t)
		_, _, err := reg.AddParticipant("room-1", "alice", "conn-a", "Alice", true, true)
		assert.NoError(t, err)

		err = rt.Route(&ClientMessage{
			UserId: "alice",
			Offer:  &Offer{RoomId: "room-1", To: "bob", SDP: testOffer()},
		})
		assert.ErrorIs(t, err, ErrTargetUnreachable)
	})

	t.Run("sender not in room", func(t *testing.T) {
		rt, reg, _ := newTestRouter(t)
		_, _, err := reg.AddParticipant("room-1", "bob", "conn-b", "Bob", true, true)
		assert.NoError(t, err)

		err = rt.Route(&ClientMessage{
			UserId: "mallory",
			Offer:  &Offer{RoomId: "room-1", To: "bob", SDP: testOffer()},
		})
		assert.ErrorIs(t, err, ErrNotAParticipant)
	})

	t.Run("delivery failure maps to unreachable", func(t *testing.T) {
		rt, reg, fd := newTestRouter(t)
		_, _, err := reg.AddParticipant("room-1", "alice", "conn-a", "Alice", true, true)
		assert.NoError(t, err)
		_, _, err = reg.AddParticipant("room-1", "bob", "conn-b", "Bob", true, true)
		assert.NoError(t, err)
		fd.failConns["conn-b"] = true

		err = rt.Route(&ClientMessage{
			UserId: "alice",
			Offer:  &Offer{RoomId: "room-1", To: "bob", SDP: testOffer()},
		})
		assert.ErrorIs(t, err, ErrTargetUnreachable)
	})
}

func TestRoute_Candidate(t *testing.T) {
	rt, reg, fd := newTestRouter(t)
	_, _, err := reg.AddParticipant("room-1", "alice", "conn-a", "Alice", true, true)
	assert.NoError(t, err)
	_, _, err = reg.AddParticipant("room-1", "bob", "conn-b", "Bob", true, true)
	assert.NoError(t, err)

	cand := webrtc.ICECandidateInit{Candidate: "candidate:0 1 UDP 2122252543 192.0.2.1 51556 typ host"}
	err = rt.Route(&ClientMessage{
		UserId:    "bob",
		Candidate: &IceCandidate{RoomId: "room-1", To: "alice", Candidate: cand},
	})
	assert.NoError(t, err)

	msgs := fd.messages("conn-a")
	assert.Len(t, msgs, 1)
	assert.Equal(t, cand.Candidate, msgs[0].Notification.Candidate.Candidate.Candidate)
	assert.Equal(t, "bob", msgs[0].Notification.Candidate.From)
}

func TestRoute_MediaState(t *testing.T) {
	rt, reg, fd := newTestRouter(t)
	_, _, err := reg.AddParticipant("room-1", "alice", "conn-a", "Alice", true, true)
	assert.NoError(t, err)
	_, _, err = reg.AddParticipant("room-1", "bob", "conn-b", "Bob", true, true)
	assert.NoError(t, err)

	audioOff := false
	err = rt.Route(&ClientMessage{
		UserId:     "alice",
		MediaState: &MediaState{RoomId: "room-1", AudioEnabled: &audioOff},
	})
	assert.NoError(t, err)

	participants, err := reg.GetParticipants("room-1")
	assert.NoError(t, err)
	assert.False(t, participants[0].AudioEnabled, "expected registry to be updated")
	assert.True(t, participants[0].VideoEnabled)

	msgs := fd.messages("conn-b")
	assert.Len(t, msgs, 1)
	ms := msgs[0].Notification.MediaState
	assert.NotNil(t, ms)
	assert.Equal(t, "alice", ms.UserId)
	assert.False(t, ms.AudioEnabled)
	assert.True(t, ms.VideoEnabled, "notification carries the resulting state, not the delta")
}

func TestRoute_ChatAndTyping(t *testing.T) {
	rt, reg, fd := newTestRouter(t)
	_, _, err := reg.AddParticipant("room-1", "alice", "conn-a", "Alice", true, true)
	assert.NoError(t, err)
	_, _, err = reg.AddParticipant("room-1", "bob", "conn-b", "Bob", true, true)
	assert.NoError(t, err)
	_, _, err = reg.AddParticipant("room-1", "carol", "conn-c", "Carol", true, true)
	assert.NoError(t, err)

	sentAt := Now()
	err = rt.Route(&ClientMessage{
		BaseMessage: BaseMessage{Timestamp: sentAt},
		UserId:      "alice",
		Chat:        &Chat{RoomId: "room-1", Content: "hello"},
	})
	assert.NoError(t, err)

	for _, connId := range []string{"conn-b", "conn-c"} {
		msgs := fd.messages(connId)
		assert.Lenf(t, msgs, 1, "expected chat on %s", connId)
		chat := msgs[0].Notification.Chat
		assert.Equal(t, "hello", chat.Content)
		assert.Equal(t, ChatTypeText, chat.Type, "empty type defaults to text")
		assert.Equal(t, sentAt, chat.SentAt)
	}
	assert.Empty(t, fd.messages("conn-a"), "sender is excluded from the broadcast")

	err = rt.Route(&ClientMessage{
		UserId: "bob",
		Typing: &Typing{RoomId: "room-1", Started: true},
	})
	assert.NoError(t, err)
	msgs := fd.messages("conn-a")
	assert.Len(t, msgs, 1)
	assert.True(t, msgs[0].Notification.Typing.Started)
}

func TestRoute_BroadcastIsolation(t *testing.T) {
	rt, reg, fd := newTestRouter(t)
	_, _, err := reg.AddParticipant("room-1", "alice", "conn-a", "Alice", true, true)
	assert.NoError(t, err)
	_, _, err = reg.AddParticipant("room-1", "bob", "conn-b", "Bob", true, true)
	assert.NoError(t, err)
	_, _, err = reg.AddParticipant("room-1", "carol", "conn-c", "Carol", true, true)
	assert.NoError(t, err)
	fd.failConns["conn-b"] = true

	err = rt.Route(&ClientMessage{
		UserId:      "alice",
		Screenshare: &Screenshare{RoomId: "room-1", Active: true},
	})
	assert.NoError(t, err, "one failed recipient must not fail the broadcast")
	assert.Len(t, fd.messages("conn-c"), 1, "other recipients still receive the message")
}

func TestRoute_NotRoutable(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	err := rt.Route(&ClientMessage{UserId: "alice"})
	assert.Error(t, err)
}

func TestAnnounceJoinAndLeave(t *testing.T) {
	rt, reg, fd := newTestRouter(t)
	_, _, err := reg.AddParticipant("room-1", "alice", "conn-a", "Alice", true, true)
	assert.NoError(t, err)
	p, _, err := reg.AddParticipant("room-1", "bob", "conn-b", "Bob", true, true)
	assert.NoError(t, err)

	rt.AnnounceJoin("room-1", p)
	msgs := fd.messages("conn-a")
	assert.Len(t, msgs, 1)
	joined := msgs[0].Notification.ParticipantJoined
	assert.Equal(t, "bob", joined.Participant.UserId)
	assert.Empty(t, fd.messages("conn-b"), "the joiner is not notified about itself")

	left, err := reg.RemoveParticipant("room-1", "bob")
	assert.NoError(t, err)
	remaining, err := reg.BroadcastTargets("room-1", "")
	assert.NoError(t, err)

	rt.AnnounceLeave("room-1", left, LeaveReasonLeft, remaining)
	msgs = fd.messages("conn-a")
	assert.Len(t, msgs, 2)
	note := msgs[1].Notification.ParticipantLeft
	assert.Equal(t, "bob", note.UserId)
	assert.Equal(t, LeaveReasonLeft, note.Reason)
}

func TestSendRoomState(t *testing.T) {
	rt, reg, fd := newTestRouter(t)
	_, _, err := reg.AddParticipant("room-1", "alice", "conn-a", "Alice", true, true)
	assert.NoError(t, err)

	assert.NoError(t, rt.SendRoomState("conn-a", "room-1"))

	msgs := fd.messages("conn-a")
	assert.Len(t, msgs, 1)
	state := msgs[0].Notification.RoomState
	assert.NotNil(t, state)
	assert.Equal(t, "room-1", state.RoomId)
	assert.Len(t, state.Participants, 1)

	assert.ErrorIs(t, rt.SendRoomState("conn-a", "no-such-room"), ErrRoomNotFound)
}

func TestAnnounceRoomLockChanged(t *testing.T) {
	rt, reg, fd := newTestRouter(t)
	_, _, err := reg.AddParticipant("room-1", "alice", "conn-a", "Alice", true, true)
	assert.NoError(t, err)
	_, _, err = reg.AddParticipant("room-1", "bob", "conn-b", "Bob", true, true)
	assert.NoError(t, err)

	rt.AnnounceRoomLockChanged("room-1", "alice", true)

	msgs := fd.messages("conn-b")
	assert.Len(t, msgs, 1)
	note := msgs[0].Notification.RoomLockChanged
	assert.True(t, note.Locked)
	assert.Equal(t, "alice", note.UserId)
	assert.Empty(t, fd.messages("conn-a"))
}
