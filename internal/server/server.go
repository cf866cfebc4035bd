package server

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/teris-io/shortid"

	"github.com/npezzotti/go-callroom/internal/call"
	"github.com/npezzotti/go-callroom/internal/config"
	"github.com/npezzotti/go-callroom/internal/stats"
)

// CallServer is the transport-facing hub: it owns the live WebSocket clients
// keyed by connection identifier, dispatches inbound events into the call
// core and delivers outbound events back to connections. It implements
// call.Deliverer.
type CallServer struct {
	log         *log.Logger
	cfg         *config.Config
	registry    *call.Registry
	tracker     *call.ConnTracker
	router      *call.Router
	recordings  *call.RecordingCoordinator
	reaper      *call.Reaper
	stats       stats.StatsProvider
	clients     map[string]*Client
	clientsLock sync.RWMutex
}

func NewCallServer(cfg *config.Config, su stats.StatsProvider, logger *log.Logger) *CallServer {
	tracker := call.NewConnTracker()
	registry := call.NewRegistry(cfg.RoomCapacity, cfg.GraceWindow, tracker, su, logger)

	cs := &CallServer{
		log:      logger,
		cfg:      cfg,
		registry: registry,
		tracker:  tracker,
		stats:    su,
		clients:  make(map[string]*Client),
	}
	cs.router = call.NewRouter(registry, cs, su, logger)
	cs.recordings = call.NewRecordingCoordinator(registry, cfg.RequireRecordingConsent, su, logger)
	cs.reaper = call.NewReaper(registry, tracker, cs.router, cfg.ReaperInterval, cfg.StaleConnectionAge, logger)

	su.RegisterMetric("NumConnections")

	return cs
}

// Run drives the reaper until Shutdown is called.
func (cs *CallServer) Run() {
	cs.reaper.Run()
}

func (cs *CallServer) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		cs.reaper.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()
	for _, c := range cs.clients {
		c.close()
	}

	return nil
}

// NewClient registers a freshly upgraded connection under a newly minted
// connection identifier. The identity is trusted: authentication happened
// upstream of this subsystem.
func (cs *CallServer) NewClient(userId, displayName string, conn *websocket.Conn) (*Client, error) {
	connId, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate connection id: %w", err)
	}

	c := newClient(connId, userId, displayName, conn, cs, cs.log)

	cs.clientsLock.Lock()
	cs.clients[connId] = c
	cs.clientsLock.Unlock()
	cs.stats.Incr("NumConnections")
	cs.log.Printf("connection %q opened for user %q", connId, userId)

	return c, nil
}

func (cs *CallServer) removeClient(c *Client) {
	cs.clientsLock.Lock()
	_, ok := cs.clients[c.connId]
	if ok {
		delete(cs.clients, c.connId)
	}
	cs.clientsLock.Unlock()

	if ok {
		cs.stats.Decr("NumConnections")
		cs.log.Printf("connection %q closed", c.connId)
	}
}

// Deliver implements call.Deliverer: it queues msg for the connection's write
// pump, waiting at most the configured per-delivery timeout.
func (cs *CallServer) Deliver(connId string, msg *call.ServerMessage) error {
	cs.clientsLock.RLock()
	c, ok := cs.clients[connId]
	cs.clientsLock.RUnlock()

	if !ok {
		return fmt.Errorf("no client for connection %q", connId)
	}

	return c.deliver(msg, cs.cfg.DeliveryTimeout)
}

// handleMessage dispatches one inbound event from a client's read pump.
func (cs *CallServer) handleMessage(c *Client, msg *call.ClientMessage) {
	cs.tracker.Touch(c.connId)

	switch {
	case msg.Join != nil:
		cs.handleJoin(c, msg)
	case msg.Leave != nil:
		cs.handleLeave(c, msg)
	case msg.Reconnect != nil:
		cs.handleReconnect(c, msg)
	case msg.StartRecording != nil:
		cs.handleStartRecording(c, msg)
	case msg.StopRecording != nil:
		cs.handleStopRecording(c, msg)
	case msg.Consent != nil:
		cs.handleConsent(c, msg)
	case msg.LockRoom != nil:
		cs.handleLockRoom(c, msg)
	case msg.RoomState != nil:
		cs.handleRoomState(c, msg)
	default:
		if err := cs.router.Route(msg); err != nil {
			c.queueMessage(call.ErrResponse(msg.Id, err))
		}
	}
}

func (cs *CallServer) handleJoin(c *Client, msg *call.ClientMessage) {
	join := msg.Join
	p, rejoined, err := cs.registry.AddParticipant(join.RoomId, c.userId, c.connId, join.DisplayName, join.AudioEnabled, join.VideoEnabled)
	if err != nil {
		c.queueMessage(call.ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(call.NoErrOK(msg.Id, map[string]any{"participant": p}))

	// A join that resumed a grace slot is a reconnect, not a new
	// participant; the rest of the room never saw it leave.
	if !rejoined {
		cs.router.AnnounceJoin(join.RoomId, p)
	}

	if err := cs.router.SendRoomState(c.connId, join.RoomId); err != nil {
		cs.log.Printf("send room state to connection %q: %v", c.connId, err)
	}
}

func (cs *CallServer) handleLeave(c *Client, msg *call.ClientMessage) {
	leave := msg.Leave
	p, err := cs.registry.RemoveParticipant(leave.RoomId, c.userId)
	if err != nil {
		c.queueMessage(call.ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(call.NoErrOK(msg.Id, nil))

	reason := leave.Reason
	if reason == "" {
		reason = call.LeaveReasonLeft
	}

	if remaining, err := cs.registry.BroadcastTargets(leave.RoomId, ""); err == nil {
		cs.router.AnnounceLeave(leave.RoomId, p, reason, remaining)
	}
}

func (cs *CallServer) handleReconnect(c *Client, msg *call.ClientMessage) {
	state, err := cs.registry.TryReconnect(msg.Reconnect.RoomId, c.userId, c.connId)
	if err != nil {
		c.queueMessage(call.ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(call.NoErrOK(msg.Id, nil))
	c.queueMessage(call.NewNotification(&call.Notification{RoomState: state}))
}

func (cs *CallServer) handleStartRecording(c *Client, msg *call.ClientMessage) {
	start := msg.StartRecording
	rec, missing, err := cs.recordings.Start(start.RoomId, c.userId, start.RequireConsent)
	if err != nil {
		c.queueMessage(call.ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(call.NoErrOK(msg.Id, map[string]any{"recording": rec}))
	cs.router.AnnounceRecording(start.RoomId, &call.Notification{
		RecordingStarted: &call.RecordingStarted{RoomId: start.RoomId, Recording: *rec},
	})
	cs.warnMissingConsent(start.RoomId, rec.Id, missing)
}

func (cs *CallServer) handleStopRecording(c *Client, msg *call.ClientMessage) {
	stop := msg.StopRecording
	rec, stopped, err := cs.recordings.Stop(stop.RoomId, stop.RecordingId)
	if err != nil {
		c.queueMessage(call.ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(call.NoErrOK(msg.Id, map[string]any{"recording": rec}))
	if stopped {
		cs.router.AnnounceRecording(stop.RoomId, &call.Notification{
			RecordingStopped: &call.RecordingStopped{RoomId: stop.RoomId, Recording: *rec},
		})
	}
}

func (cs *CallServer) handleConsent(c *Client, msg *call.ClientMessage) {
	consent := msg.Consent
	rec, missing, err := cs.recordings.RecordConsent(consent.RoomId, consent.RecordingId, c.userId, consent.Granted)
	if err != nil {
		c.queueMessage(call.ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(call.NoErrOK(msg.Id, nil))
	cs.warnMissingConsent(consent.RoomId, rec.Id, missing)
}

// warnMissingConsent broadcasts a consent warning when a consent-required
// recording is running without full consent. The recording keeps going;
// enforcement is up to the consumer.
func (cs *CallServer) warnMissingConsent(roomId, recordingId string, missing []string) {
	if len(missing) == 0 {
		return
	}

	cs.router.AnnounceRecording(roomId, &call.Notification{
		ConsentWarning: &call.ConsentWarning{
			RoomId:      roomId,
			RecordingId: recordingId,
			Missing:     missing,
		},
	})
}

func (cs *CallServer) handleLockRoom(c *Client, msg *call.ClientMessage) {
	lock := msg.LockRoom
	if err := cs.registry.SetLocked(lock.RoomId, c.userId, lock.Locked); err != nil {
		c.queueMessage(call.ErrResponse(msg.Id, err))
		return
	}

	c.queueMessage(call.NoErrOK(msg.Id, nil))
	cs.router.AnnounceRoomLockChanged(lock.RoomId, c.userId, lock.Locked)
}

func (cs *CallServer) handleRoomState(c *Client, msg *call.ClientMessage) {
	if _, err := cs.registry.BroadcastTargets(msg.RoomState.RoomId, c.userId); err != nil {
		c.queueMessage(call.ErrResponse(msg.Id, err))
		return
	}

	if err := cs.router.SendRoomState(c.connId, msg.RoomState.RoomId); err != nil {
		cs.log.Printf("send room state to connection %q: %v", c.connId, err)
	}
}

// handleDisconnect is invoked when a client's read pump exits without an
// explicit leave. The participant is not removed: it enters the reconnect
// grace period and the rest of the room is not notified unless the grace
// window expires.
func (cs *CallServer) handleDisconnect(c *Client) {
	cs.removeClient(c)

	roomId, userId, ok := cs.tracker.Lookup(c.connId)
	if !ok || userId != c.userId {
		// already left explicitly, or the user reconnected elsewhere
		return
	}

	if err := cs.registry.MarkDisconnected(roomId, userId); err != nil {
		cs.tracker.Unbind(c.connId)
	}
}

// touch refreshes liveness for a connection on transport keepalives.
func (cs *CallServer) touch(c *Client) {
	cs.tracker.Touch(c.connId)
	if roomId, userId, ok := cs.tracker.Lookup(c.connId); ok {
		cs.registry.TouchParticipant(roomId, userId)
	}
}
