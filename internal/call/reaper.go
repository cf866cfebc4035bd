package call

import (
	"log"
	"time"
)

// Reaper periodically evicts participants whose reconnect grace period has
// elapsed and cleans up connection mappings that went silent without a
// disconnect signal. It is the only component that mutates rooms outside a
// direct caller request, and it does so through the registry, under the same
// per-room locks as ordinary operations.
type Reaper struct {
	log        *log.Logger
	registry   *Registry
	tracker    *ConnTracker
	router     *Router
	interval   time.Duration
	staleAfter time.Duration
	stop       chan struct{}
	done       chan struct{}
}

func NewReaper(registry *Registry, tracker *ConnTracker, router *Router, interval, staleAfter time.Duration, logger *log.Logger) *Reaper {
	return &Reaper{
		log:        logger,
		registry:   registry,
		tracker:    tracker,
		router:     router,
		interval:   interval,
		staleAfter: staleAfter,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (rp *Reaper) Run() {
	rp.log.Printf("reaper running every %s", rp.interval)
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rp.sweep(time.Now())
		case <-rp.stop:
			close(rp.done)
			return
		}
	}
}

func (rp *Reaper) Stop() {
	close(rp.stop)
	<-rp.done
}

// sweep performs one reaper pass. Split out from Run with an explicit clock
// for tests.
func (rp *Reaper) sweep(now time.Time) {
	for _, ev := range rp.registry.ExpireGrace(now) {
		rp.router.AnnounceLeave(ev.RoomId, ev.Participant, LeaveReasonGraceExpired, ev.Remaining)
	}

	// Mappings idle past the staleness threshold belong to connections the
	// transport never reported as closed. Start the grace machinery for the
	// participant behind each one so it is eventually evicted too.
	for _, connId := range rp.tracker.Stale(rp.staleAfter) {
		roomId, userId, ok := rp.tracker.Lookup(connId)
		if !ok {
			continue
		}

		rp.log.Printf("connection %q idle past %s, unbinding (room %q, user %q)", connId, rp.staleAfter, roomId, userId)
		if err := rp.registry.MarkDisconnected(roomId, userId); err != nil {
			rp.tracker.Unbind(connId)
		}
	}
}
