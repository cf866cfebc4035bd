package call

import (
	"fmt"
	"log"

	"github.com/npezzotti/go-callroom/internal/stats"
	"github.com/npezzotti/go-callroom/internal/types"
)

// Deliverer hands an outbound message to the transport layer for delivery to
// one connection identifier. Implementations bound each attempt with the
// configured per-delivery timeout and must not be called while holding room
// locks.
type Deliverer interface {
	Deliver(connId string, msg *ServerMessage) error
}

// Router validates and forwards signaling messages between participants.
// Point-to-point types (offer, answer, ICE candidate) are forwarded to the
// target's connection payload-unchanged; broadcast types are delivered
// best-effort to every other participant. Room state is always snapshotted
// before delivery, so transport I/O never happens under a room lock.
type Router struct {
	log       *log.Logger
	registry  *Registry
	deliverer Deliverer
	stats     stats.StatsProvider
}

func NewRouter(registry *Registry, deliverer Deliverer, su stats.StatsProvider, logger *log.Logger) *Router {
	su.RegisterMetric("MessagesRouted")

	return &Router{
		log:       logger,
		registry:  registry,
		deliverer: deliverer,
		stats:     su,
	}
}

// Route dispatches one inbound signaling message. Validation errors are
// returned synchronously and never retried; per-recipient broadcast failures
// are isolated and do not fail the call.
func (rt *Router) Route(msg *ClientMessage) error {
	switch {
	case msg.Offer != nil:
		return rt.relay(msg.Offer.RoomId, msg.UserId, msg.Offer.To, &Notification{
			Offer: &OfferRelayed{
				RoomId: msg.Offer.RoomId,
				From:   msg.UserId,
				SDP:    msg.Offer.SDP,
			},
		})
	case msg.Answer != nil:
		return rt.relay(msg.Answer.RoomId, msg.UserId, msg.Answer.To, &Notification{
			Answer: &AnswerRelayed{
				RoomId: msg.Answer.RoomId,
				From:   msg.UserId,
				SDP:    msg.Answer.SDP,
			},
		})
	case msg.Candidate != nil:
		return rt.relay(msg.Candidate.RoomId, msg.UserId, msg.Candidate.To, &Notification{
			Candidate: &CandidateRelayed{
				RoomId:    msg.Candidate.RoomId,
				From:      msg.UserId,
				Candidate: msg.Candidate.Candidate,
			},
		})
	case msg.MediaState != nil:
		p, err := rt.registry.UpdateMediaState(msg.MediaState.RoomId, msg.UserId, msg.MediaState.AudioEnabled, msg.MediaState.VideoEnabled)
		if err != nil {
			return err
		}
		return rt.broadcast(msg.MediaState.RoomId, msg.UserId, &Notification{
			MediaState: &MediaStateChanged{
				RoomId:       msg.MediaState.RoomId,
				UserId:       msg.UserId,
				AudioEnabled: p.AudioEnabled,
				VideoEnabled: p.VideoEnabled,
			},
		})
	case msg.Quality != nil:
		if _, err := rt.registry.UpdateNetworkQuality(msg.Quality.RoomId, msg.UserId, msg.Quality.Quality, msg.Quality.Stats); err != nil {
			return err
		}
		return rt.broadcast(msg.Quality.RoomId, msg.UserId, &Notification{
			Quality: &NetworkQualityChanged{
				RoomId:  msg.Quality.RoomId,
				UserId:  msg.UserId,
				Quality: msg.Quality.Quality,
				Stats:   msg.Quality.Stats,
			},
		})
	case msg.Chat != nil:
		chatType := msg.Chat.Type
		if chatType == "" {
			chatType = ChatTypeText
		}
		return rt.broadcast(msg.Chat.RoomId, msg.UserId, &Notification{
			Chat: &ChatDelivered{
				RoomId:  msg.Chat.RoomId,
				From:    msg.UserId,
				Content: msg.Chat.Content,
				Type:    chatType,
				ReplyTo: msg.Chat.ReplyTo,
				SentAt:  msg.Timestamp,
			},
		})
	case msg.Typing != nil:
		return rt.broadcast(msg.Typing.RoomId, msg.UserId, &Notification{
			Typing: &TypingChanged{
				RoomId:  msg.Typing.RoomId,
				UserId:  msg.UserId,
				Started: msg.Typing.Started,
			},
		})
	case msg.Screenshare != nil:
		return rt.broadcast(msg.Screenshare.RoomId, msg.UserId, &Notification{
			Screenshare: &ScreenshareChanged{
				RoomId: msg.Screenshare.RoomId,
				UserId: msg.UserId,
				Active: msg.Screenshare.Active,
			},
		})
	default:
		return fmt.Errorf("not a routable message")
	}
}

// relay forwards a point-to-point message to the target's current connection.
// The caller gets ErrTargetUnreachable if the target is absent, mid-reconnect
// or its delivery fails; no retry is attempted here.
func (rt *Router) relay(roomId, fromUserId, toUserId string, note *Notification) error {
	connId, err := rt.registry.TargetConn(roomId, fromUserId, toUserId)
	if err != nil {
		return err
	}

	if err := rt.deliverer.Deliver(connId, NewNotification(note)); err != nil {
		rt.log.Printf("relay %s -> %s in room %q: %v", fromUserId, toUserId, roomId, err)
		return fmt.Errorf("deliver to %q: %w", toUserId, ErrTargetUnreachable)
	}

	rt.stats.Incr("MessagesRouted")
	return nil
}

// broadcast delivers a notification to every other connected participant.
// One recipient's transport failure does not abort delivery to the rest.
func (rt *Router) broadcast(roomId, senderId string, note *Notification) error {
	connIds, err := rt.registry.BroadcastTargets(roomId, senderId)
	if err != nil {
		return err
	}

	rt.deliverAll(connIds, note)
	rt.stats.Incr("MessagesRouted")
	return nil
}

func (rt *Router) deliverAll(connIds []string, note *Notification) {
	msg := NewNotification(note)
	for _, connId := range connIds {
		if err := rt.deliverer.Deliver(connId, msg); err != nil {
			rt.log.Printf("broadcast to connection %q: %v", connId, err)
		}
	}
}

// AnnounceJoin broadcasts a participant-joined notification to the rest of
// the room.
func (rt *Router) AnnounceJoin(roomId string, p types.Participant) {
	connIds, err := rt.registry.BroadcastTargets(roomId, p.UserId)
	if err != nil {
		return
	}

	rt.deliverAll(connIds, &Notification{
		ParticipantJoined: &ParticipantJoined{
			RoomId:      roomId,
			Participant: p,
		},
	})
}

// AnnounceLeave broadcasts a participant-left notification to the remaining
// connections. The connIds are supplied by the caller because the departed
// participant is already gone from the registry.
func (rt *Router) AnnounceLeave(roomId string, p types.Participant, reason string, connIds []string) {
	rt.deliverAll(connIds, &Notification{
		ParticipantLeft: &ParticipantLeft{
			RoomId:      roomId,
			UserId:      p.UserId,
			DisplayName: p.DisplayName,
			Reason:      reason,
		},
	})
}

// SendRoomState pushes a full room snapshot to a single connection, sent
// right after a successful join or reconnect so late joiners see the current
// room composition.
func (rt *Router) SendRoomState(connId, roomId string) error {
	state, err := rt.registry.RoomState(roomId)
	if err != nil {
		return err
	}

	return rt.deliverer.Deliver(connId, NewNotification(&Notification{RoomState: state}))
}

// AnnounceRecording broadcasts recording lifecycle notifications to every
// participant in the room, the initiator included.
func (rt *Router) AnnounceRecording(roomId string, note *Notification) {
	connIds, err := rt.registry.BroadcastTargets(roomId, "")
	if err != nil {
		return
	}

	rt.deliverAll(connIds, note)
}

// AnnounceRoomLockChanged broadcasts a lock flip to the other participants.
func (rt *Router) AnnounceRoomLockChanged(roomId, userId string, locked bool) {
	connIds, err := rt.registry.BroadcastTargets(roomId, userId)
	if err != nil {
		return
	}

	rt.deliverAll(connIds, &Notification{
		RoomLockChanged: &RoomLockChanged{
			RoomId: roomId,
			Locked: locked,
			UserId: userId,
		},
	})
}
