package twinactor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"twinupdater/core"
	"twinupdater/model"
)

// State is one of the five states an Actor owns (§4.7).
type State int

const (
	StateRecovering State = iota
	StateReady
	StatePersisting
	StateRetrying
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateRecovering:
		return "Recovering"
	case StateReady:
		return "Ready"
	case StatePersisting:
		return "Persisting"
	case StateRetrying:
		return "Retrying"
	case StateShuttingDown:
		return "ShuttingDown"
	default:
		return "Unknown"
	}
}

// PersistResult classifies a write attempt's outcome (§4.6).
type PersistResult struct {
	Revision int64
	Conflict bool
	Err      error // non-nil and !Conflict => transient or permanent error
	Permanent bool
}

// Backend is the set of external collaborators the Actor asks into: the
// write-model computation (enrichment facade + policy cache + differ, §4.4
// and §4.5) and the bulk writer (§4.6). Kept as an interface so twinactor
// has no import-time dependency on enforcement/bulkwriter — those packages
// do not import twinactor, and main wires concrete implementations in.
type Backend interface {
	// ComputeWriteModel derives the next write model for metadata, given the
	// last acknowledged model (or nil if none has been persisted yet).
	ComputeWriteModel(ctx context.Context, metadata *model.Metadata, lastModel model.WriteModel) (model.WriteModel, error)
	// Persist submits wm to the bulk writer and waits for its classified
	// result; transient write errors are retried inside the bulk writer.
	Persist(ctx context.Context, wm model.WriteModel) PersistResult
	// Recover loads the last-acknowledged write model for twinId, or nil if
	// none exists (a brand-new or previously deleted twin).
	Recover(ctx context.Context, twinId model.TwinId) (model.WriteModel, error)
}

// message is the sealed set of mailbox items the Actor accepts.
type message interface{ isActorMessage() }

type eventMsg struct {
	events []model.Event
}

func (eventMsg) isActorMessage() {}

type manualUpdateMsg struct {
	forceUpdate bool
	reason      model.UpdateReason
}

func (manualUpdateMsg) isActorMessage() {}

type invalidateThingMsg struct{}

func (invalidateThingMsg) isActorMessage() {}

type policyChangeMsg struct {
	policyId       model.PolicyId
	policyRevision int64
}

func (policyChangeMsg) isActorMessage() {}

type persistResultMsg struct {
	result PersistResult
	wm     model.WriteModel
}

func (persistResultMsg) isActorMessage() {}

type retryTimerMsg struct{}

func (retryTimerMsg) isActorMessage() {}

type shutdownMsg struct {
	done chan struct{}
}

func (shutdownMsg) isActorMessage() {}

// Actor is the per-twin update task of §4.7: single-owner, mailbox-style
// (one message at a time), with an explicit bounded stash for messages that
// arrive during Persisting. Grounded on the teacher's Subscriber[T]
// goroutine-plus-channel idiom (storage_impl.go Watch), generalized from a
// fan-out change-stream subscriber into an owned state machine per §9's
// explicit instruction to replace actor-mailbox-with-stash with an owned
// state machine and an explicit stash.
type Actor struct {
	twinId  model.TwinId
	backend Backend

	inbox chan message
	stash []message

	maxStash   int
	maxRetries int
	retryDelay time.Duration

	mu          sync.Mutex
	state       State
	lastModel   model.WriteModel
	pending     *model.Metadata
	retries     int
	inFlightMeta *model.Metadata
	inFlightLast model.WriteModel

	log *zap.Logger
}

// NewActor constructs an Actor for twinId. The actor is not started until
// Run is called.
func NewActor(twinId model.TwinId, backend Backend, maxStash, maxRetries int, retryDelay time.Duration) *Actor {
	return &Actor{
		twinId:     twinId,
		backend:    backend,
		inbox:      make(chan message, 256),
		maxStash:   maxStash,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
		state:      StateRecovering,
		log:        core.With(zap.String("twin_id", string(twinId))),
	}
}

// Dispatch enqueues an event batch for this twin (inbound change
// notification, §6). It never blocks past the mailbox's buffer; if the
// mailbox is saturated the caller should treat it as backpressure.
func (a *Actor) Dispatch(ctx context.Context, events []model.Event) {
	select {
	case a.inbox <- eventMsg{events: events}:
	case <-ctx.Done():
	}
}

// ManualUpdate enqueues a manual update command, optionally with
// force-update semantics (§4.7, §5 scenario 5).
func (a *Actor) ManualUpdate(ctx context.Context, forceUpdate bool, reason model.UpdateReason) {
	select {
	case a.inbox <- manualUpdateMsg{forceUpdate: forceUpdate, reason: reason}:
	case <-ctx.Done():
	}
}

// InvalidateThing enqueues a standalone cache-invalidate-thing signal,
// independent of force-update (§4.7: the two are distinct inbound signals
// and must be requestable independently — a manual reindex does not imply
// the cached thing snapshot is stale, and an invalidation does not imply
// the write should bypass the differ).
func (a *Actor) InvalidateThing(ctx context.Context) {
	select {
	case a.inbox <- invalidateThingMsg{}:
	case <-ctx.Done():
	}
}

// PolicyChanged enqueues a policy-change notice (§4.7).
func (a *Actor) PolicyChanged(ctx context.Context, policyId model.PolicyId, policyRevision int64) {
	select {
	case a.inbox <- policyChangeMsg{policyId: policyId, policyRevision: policyRevision}:
	case <-ctx.Done():
	}
}

// Shutdown requests cooperative shutdown and blocks until the actor drains
// or ctx is done.
func (a *Actor) Shutdown(ctx context.Context) {
	done := make(chan struct{})
	select {
	case a.inbox <- shutdownMsg{done: done}:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// State returns the actor's current state (for observability/tests).
func (a *Actor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Run drives the actor's mailbox loop until shutdown completes. Callers
// spawn this as a goroutine; exactly one Run per Actor.
func (a *Actor) Run(ctx context.Context) {
	a.recover(ctx)

	for {
		a.mu.Lock()
		state := a.state
		a.mu.Unlock()

		if state == StateShuttingDown {
			return
		}

		select {
		case msg := <-a.inbox:
			a.handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Actor) recover(ctx context.Context) {
	wm, err := a.backend.Recover(ctx, a.twinId)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.log.Warn("recovery failed, starting from empty state", zap.Error(err))
	}
	a.lastModel = wm
	a.pending = model.NewMetadata(a.twinId)
	a.state = StateReady
}

func (a *Actor) handle(ctx context.Context, msg message) {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()

	switch state {
	case StateReady:
		a.handleReady(ctx, msg)
	case StatePersisting, StateRetrying:
		a.handlePersistingOrRetrying(ctx, msg)
	case StateShuttingDown:
		// drains in-flight only; new messages are dropped
	}
}

func (a *Actor) handleReady(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case eventMsg:
		a.mergeEvents(m.events)
		a.maybeTransitionToPersisting(ctx)

	case manualUpdateMsg:
		if m.forceUpdate {
			a.mu.Lock()
			a.lastModel = model.NewDeleteModel(model.NewMetadata(a.twinId))
			a.mu.Unlock()
		}
		a.mu.Lock()
		a.pending.AddReason(m.reason)
		a.mu.Unlock()
		a.maybeTransitionToPersisting(ctx)

	case policyChangeMsg:
		a.mu.Lock()
		a.pending.PolicyId = &m.policyId
		a.pending.PolicyRevision = &m.policyRevision
		a.pending.InvalidatePolicy = true
		a.pending.AddReason(model.ReasonPolicyUpdate)
		a.mu.Unlock()
		a.maybeTransitionToPersisting(ctx)

	case invalidateThingMsg:
		// Marks the next write (whenever one is next triggered) as needing a
		// full thing refetch; does not by itself force a write the way
		// manualUpdateMsg's forceUpdate does.
		a.mu.Lock()
		a.pending.InvalidateThing = true
		a.mu.Unlock()

	case shutdownMsg:
		a.mu.Lock()
		a.state = StateShuttingDown
		a.mu.Unlock()
		close(m.done)

	default:
		// persistResultMsg/retryTimerMsg arriving in Ready are stale
		// acknowledgements for a round that already completed; ignore.
	}
}

func (a *Actor) mergeEvents(events []model.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var lastRevision int64
	if a.lastModel != nil {
		lastRevision = a.lastModel.Revision()
	}

	kept := make([]model.Event, 0, len(events))
	for _, ev := range events {
		if ev.Revision <= lastRevision {
			continue // §4.7: drop unless force-update, handled separately
		}
		kept = append(kept, ev)
		if ev.Kind == model.EventPolicyIdChanged {
			a.pending.InvalidatePolicy = true
		}
	}
	a.pending.Events = append(a.pending.Events, kept...)
	a.pending.AddReason(model.ReasonThingUpdate)
	for _, ev := range kept {
		if ev.Revision > a.pending.ThingRevision {
			a.pending.ThingRevision = ev.Revision
		}
	}
}

// maybeTransitionToPersisting moves Ready -> Persisting once there is
// something to flush. A real deployment gates this on a flush trigger
// (batch window / explicit flush signal from the enforcement flow); here
// every merge is itself the trigger, which is the degenerate (and still
// correct) case of "flush immediately".
func (a *Actor) maybeTransitionToPersisting(ctx context.Context) {
	a.mu.Lock()
	if len(a.pending.Events) == 0 && !a.pending.HasReason(model.ReasonPolicyUpdate) && !a.pending.HasReason(model.ReasonManualReindex) {
		a.mu.Unlock()
		return
	}
	metadata := a.pending
	lastModel := a.lastModel
	a.pending = model.NewMetadata(a.twinId)
	a.inFlightMeta = metadata
	a.inFlightLast = lastModel
	a.state = StatePersisting
	a.mu.Unlock()

	go a.persist(ctx, metadata, lastModel)
}

func (a *Actor) persist(ctx context.Context, metadata *model.Metadata, lastModel model.WriteModel) {
	wm, err := a.backend.ComputeWriteModel(ctx, metadata, lastModel)
	if err != nil {
		var permanent *model.PermanentError
		a.enqueueResult(ctx, PersistResult{Err: err, Permanent: errors.As(err, &permanent)}, nil)
		return
	}
	result := a.backend.Persist(ctx, wm)
	a.enqueueResult(ctx, result, wm)
}

func (a *Actor) enqueueResult(ctx context.Context, result PersistResult, wm model.WriteModel) {
	select {
	case a.inbox <- persistResultMsg{result: result, wm: wm}:
	case <-ctx.Done():
	}
}

func (a *Actor) handlePersistingOrRetrying(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case eventMsg, manualUpdateMsg, policyChangeMsg, invalidateThingMsg:
		a.stashMessage(m)

	case persistResultMsg:
		a.onPersistResult(ctx, m)

	case retryTimerMsg:
		a.mu.Lock()
		metadata, lastModel := a.inFlightMeta, a.inFlightLast
		a.state = StatePersisting
		a.mu.Unlock()
		go a.persist(ctx, metadata, lastModel)

	case shutdownMsg:
		a.mu.Lock()
		inFlight := a.state == StatePersisting
		a.state = StateShuttingDown
		a.mu.Unlock()
		// Drain: wait for the in-flight persist's result (or ctx) before
		// terminating; other messages arriving meanwhile are dropped and no
		// retry is started.
		for inFlight {
			select {
			case next := <-a.inbox:
				if _, ok := next.(persistResultMsg); ok {
					inFlight = false
				}
			case <-ctx.Done():
				inFlight = false
			}
		}
		close(m.done)
	}
}

// stashMessage implements the bounded stash of §5: messages arriving during
// suspension are preserved, not dropped, up to maxStash; beyond that the
// stash is dropped and the next attempt forces a full refresh. The dropped
// stash is replaced by a force-update marker, so the refresh hint is applied
// on replay in Ready, after the in-flight result has set lastModel.
func (a *Actor) stashMessage(m message) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.maxStash > 0 && len(a.stash) >= a.maxStash {
		a.log.Warn("stash overflow, forcing full refresh on next event", zap.Int("stash_size", len(a.stash)))
		a.stash = []message{manualUpdateMsg{forceUpdate: true, reason: model.ReasonThingUpdate}}
		return
	}
	a.stash = append(a.stash, m)
}

func (a *Actor) onPersistResult(ctx context.Context, m persistResultMsg) {
	a.mu.Lock()
	result := m.result
	switch {
	case result.Err == nil && !result.Conflict:
		// A nil write model means the differ found a true no-op (document
		// unchanged) and nothing was sent to the writer at all — the
		// previously-acknowledged lastModel is still accurate, so it must
		// not be overwritten with nil here.
		if m.wm != nil {
			a.lastModel = m.wm
		}
		a.retries = 0
		a.state = StateReady
		stash := a.stash
		a.stash = nil
		a.mu.Unlock()
		a.replayStash(ctx, stash)
		return

	case result.Conflict:
		// full-refresh hint: force next attempt to recompute from scratch
		a.lastModel = model.NewDeleteModel(model.NewMetadata(a.twinId))
		a.inFlightLast = a.lastModel
		a.retries = 0
		metadata, lastModel := a.inFlightMeta, a.lastModel
		a.state = StatePersisting
		a.mu.Unlock()
		go a.persist(ctx, metadata, lastModel)
		return

	case result.Permanent:
		a.log.Error("permanent persistence error, reverting to Ready without updating lastModel", zap.Error(result.Err))
		a.retries = 0
		a.state = StateReady
		stash := a.stash
		a.stash = nil
		a.mu.Unlock()
		a.replayStash(ctx, stash)
		return

	default:
		// transient error: retry with backoff up to maxRetries
		a.retries++
		if a.retries > a.maxRetries {
			a.log.Warn("giving up after max retries, reverting to Ready", zap.Int("retries", a.retries))
			a.retries = 0
			a.state = StateReady
			stash := a.stash
			a.stash = nil
			a.mu.Unlock()
			a.replayStash(ctx, stash)
			return
		}
		a.state = StateRetrying
		a.mu.Unlock()
		go func() {
			timer := time.NewTimer(a.retryDelay)
			defer timer.Stop()
			select {
			case <-timer.C:
				select {
				case a.inbox <- retryTimerMsg{}:
				case <-ctx.Done():
				}
			case <-ctx.Done():
			}
		}()
	}
}

func (a *Actor) replayStash(ctx context.Context, stash []message) {
	for _, m := range stash {
		a.handle(ctx, m)
	}
}
