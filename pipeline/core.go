package pipeline

import (
	"context"
	"time"

	"twinupdater/model"
	"twinupdater/twinactor"
)

// Notification is the inbound change notification of spec.md §6: "Delivered
// via the cluster bus" — the bus itself is out of this module's scope
// (Non-goals: "it does not specify UI concerns", and transport selection is
// equally a deployment concern), so Core exposes HandleNotification as the
// integration point any bus subscriber calls into.
type Notification struct {
	TwinId         model.TwinId
	ThingRevision  int64
	PolicyId       *model.PolicyId
	PolicyRevision *int64
	Events         []model.Event
	UpdateReasons  map[model.UpdateReason]struct{}

	// ForceUpdate and InvalidateThing are distinct §4.7 inbound signals: a
	// manual reindex need not imply the cached thing snapshot is stale, and
	// invalidating that snapshot need not imply the write should bypass the
	// differ. Callers may set either, both, or neither.
	ForceUpdate      bool
	InvalidateThing  bool
	InvalidatePolicy bool
}

// Core owns the twin update task registry and routes inbound notifications
// to the right actor, creating it lazily on first reference (§4.7).
type Core struct {
	registry *twinactor.Registry
}

// NewCore builds a Core over registry.
func NewCore(registry *twinactor.Registry) *Core {
	return &Core{registry: registry}
}

// HandleNotification routes one inbound change notification to its twin's
// actor. The core guarantees at-most-once delivery tolerance through
// revision gating inside the actor (Actor.mergeEvents drops events at or
// below the last persisted revision) — this method never blocks past the
// actor's mailbox buffer.
func (c *Core) HandleNotification(ctx context.Context, n Notification) error {
	actor, err := c.registry.Get(n.TwinId)
	if err != nil {
		return err
	}

	if n.InvalidatePolicy && n.PolicyId != nil && n.PolicyRevision != nil {
		actor.PolicyChanged(ctx, *n.PolicyId, *n.PolicyRevision)
	}
	if n.InvalidateThing {
		actor.InvalidateThing(ctx)
	}
	if n.UpdateReasons != nil {
		if _, manual := n.UpdateReasons[model.ReasonManualReindex]; manual {
			actor.ManualUpdate(ctx, n.ForceUpdate, model.ReasonManualReindex)
		}
	}
	if len(n.Events) > 0 {
		actor.Dispatch(ctx, n.Events)
	}
	return nil
}

// RunIdleSweep periodically evicts and shuts down actors idle past
// idleTimeout (spec.md §6 updater.idleTimeout), until ctx is done.
func (c *Core) RunIdleSweep(ctx context.Context, interval time.Duration, drainTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, actor := range c.registry.SweepIdle(time.Now()) {
				drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
				actor.Shutdown(drainCtx)
				cancel()
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown drains every registered actor cooperatively (spec.md §6
// shutdown.drainTimeout).
func (c *Core) Shutdown(ctx context.Context, drainTimeout time.Duration) {
	c.registry.Shutdown(ctx, drainTimeout)
}
