package event

import "time"

// Tier identifies which store an event belongs in.
type Tier int

const (
	// TierCold is the durable, long-horizon store.
	TierCold Tier = iota
	// TierHot is the fast store used for near-term dispatch.
	TierHot
)

func (t Tier) String() string {
	if t == TierHot {
		return "hot"
	}
	return "cold"
}

// Router decides which tier a ScheduledEvent belongs in, both at insert
// time and during the TransferLoop's promotion scan. This generalizes the
// scheduler's implicit "everything lives in one store" assumption into an
// explicit two-tier decision the rest of the engine can share.
type Router struct {
	immediateHorizon time.Duration
	transferHorizon  time.Duration
}

// NewRouter builds a Router from the configured horizons.
func NewRouter(cfg *Config) *Router {
	return &Router{
		immediateHorizon: cfg.ImmediateHorizon,
		transferHorizon:  cfg.TransferHorizon,
	}
}

// AssignTier decides where a newly-scheduled event should be inserted.
// Events whose fire time is within ImmediateHorizon of now skip the cold
// tier entirely and go straight to hot storage.
func (r *Router) AssignTier(ev *ScheduledEvent, now time.Time) Tier {
	if ev.HorizonWithin(now, r.immediateHorizon) {
		return TierHot
	}
	return TierCold
}

// ReadyForTransfer reports whether a cold-tier event has entered the
// transfer horizon and should be promoted to hot storage.
func (r *Router) ReadyForTransfer(ev *ScheduledEvent, now time.Time) bool {
	return ev.HorizonWithin(now, r.transferHorizon)
}

// TransferHorizon returns the configured transfer horizon.
func (r *Router) TransferHorizon() time.Duration {
	return r.transferHorizon
}
