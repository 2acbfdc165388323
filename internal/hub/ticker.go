package hub

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/spk364/procomp/internal/match"
	"github.com/spk364/procomp/internal/protocol"
)

// durableSyncInterval is how often the in-memory countdown is reconciled to
// the store through the command router.
const durableSyncInterval = 10 * time.Second

// observation is an authoritative state sample taken from broadcast traffic.
type observation struct {
	state     match.State
	remaining uint32
	version   uint64
}

// matchTicker drives the countdown for one match channel. Exactly one
// process owns the tick per match: ownership is a short-TTL lease on the
// bus, renewed at half the ping interval; losing the renewal stops the tick
// and lets another instance take over. Between durable TIMER_UPDATE events
// the advisory ticks are best-effort.
type matchTicker struct {
	hub     *Hub
	matchID string
	channel string

	observations chan observation
	stopCh       chan struct{}

	log *zap.Logger
}

func newMatchTicker(h *Hub, matchID, channel string) *matchTicker {
	return &matchTicker{
		hub:          h,
		matchID:      matchID,
		channel:      channel,
		observations: make(chan observation, 16),
		stopCh:       make(chan struct{}),
		log: h.log.With(
			zap.String("module", "ticker"),
			zap.String("match_id", matchID),
		),
	}
}

func (t *matchTicker) stop() {
	select {
	case <-t.stopCh:
	default:
		close(t.stopCh)
	}
}

// observe feeds an authoritative sample; stale versions are discarded in run.
func (t *matchTicker) observe(o observation) {
	select {
	case t.observations <- o:
	default:
	}
}

func (t *matchTicker) run(ctx context.Context) {
	leaseKey := "lease:ticker:" + t.channel
	leaseTTL := t.hub.opts.PingInterval
	renewEvery := leaseTTL / 2

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	var (
		held        bool
		lastRenew   time.Time
		lastDurable time.Time
		state       match.State
		remaining   uint32
		version     uint64
	)

	release := func() {
		if !held {
			return
		}
		held = false
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := t.hub.leaser.Release(releaseCtx, leaseKey, t.hub.instanceID); err != nil {
			t.log.Warn("lease release failed", zap.Error(err))
		}
	}
	defer release()

	reload := func() bool {
		loadCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		m, err := t.hub.store.LoadMatch(loadCtx, t.matchID)
		if err != nil {
			t.log.Warn("ticker reload failed", zap.Error(err))
			return false
		}
		state, remaining, version = m.State, m.TimeRemainingSeconds, m.Version
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return

		case o := <-t.observations:
			if o.version >= version {
				state, remaining, version = o.state, o.remaining, o.version
			}

		case now := <-tick.C:
			if !held {
				ok, err := t.hub.leaser.Acquire(ctx, leaseKey, t.hub.instanceID, leaseTTL)
				if err != nil {
					t.log.Warn("lease acquire failed", zap.Error(err))
					continue
				}
				if !ok {
					continue
				}
				held = true
				lastRenew = now
				lastDurable = now
				if !reload() {
					release()
					continue
				}
				t.log.Info("ticker lease acquired")
			} else if now.Sub(lastRenew) >= renewEvery {
				ok, err := t.hub.leaser.Renew(ctx, leaseKey, t.hub.instanceID, leaseTTL)
				if err != nil || !ok {
					t.log.Warn("ticker lease lost", zap.Error(err))
					held = false
					continue
				}
				lastRenew = now
			}

			if state != match.StateInProgress {
				continue
			}
			if remaining > 0 {
				remaining--
			}

			frame, err := protocol.NewFrame(protocol.TypeTimerUpdate, protocol.TimerData{
				TimeRemainingSeconds: remaining,
			})
			if err == nil {
				frame.MatchID = t.matchID
				frame.Version = version
				if err := t.hub.publishFrame(ctx, t.channel, frame); err != nil {
					t.log.Warn("advisory tick publish failed", zap.Error(err))
				}
			}

			if remaining == 0 {
				updated, err := t.hub.commander.ExpireTimer(ctx, t.matchID)
				if err != nil {
					t.log.Warn("timer expiry append failed", zap.Error(err))
					if reload() {
						continue
					}
					continue
				}
				state, remaining, version = updated.State, updated.TimeRemainingSeconds, updated.Version
				lastDurable = now
				continue
			}

			if now.Sub(lastDurable) >= durableSyncInterval {
				updated, err := t.hub.commander.SyncTimer(ctx, t.matchID, remaining)
				if err != nil {
					t.log.Warn("durable timer sync failed", zap.Error(err))
					reload()
					continue
				}
				state, remaining, version = updated.State, updated.TimeRemainingSeconds, updated.Version
				lastDurable = now
			}
		}
	}
}
