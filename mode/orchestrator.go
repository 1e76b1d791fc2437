package mode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	MinTransitionDuration     = 100 * time.Millisecond
	MaxTransitionDuration     = 2000 * time.Millisecond
	DefaultTransitionDuration = 500 * time.Millisecond
)

// TransitionState is Idle or Transitioning; exactly one holds at any time.
type TransitionState int

const (
	Idle TransitionState = iota
	Transitioning
)

func (s TransitionState) String() string {
	if s == Transitioning {
		return "transitioning"
	}
	return "idle"
}

// Record is the orchestrator's mutable state.
type Record struct {
	Current       ID
	Previous      ID
	Transitioning bool
}

// SwitchOptions controls a single SwitchMode call.
type SwitchOptions struct {
	RestoreState bool
}

func DefaultSwitchOptions() SwitchOptions {
	return SwitchOptions{RestoreState: true}
}

// SavedState reports whether a persisted snapshot exists for a mode.
type SavedState struct {
	Mode     ID
	HasState bool
}

// Status is a point-in-time view of the orchestrator for callers and tests.
type Status struct {
	Current        ID
	Previous       ID
	Transitioning  bool
	AvailableModes []ID
	SavedStates    []SavedState
	Duration       time.Duration
	Audio          any
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithStore(s Store) Option { return func(o *Orchestrator) { o.store = s } }

func WithAudio(a Audio) Option {
	return func(o *Orchestrator) {
		if a != nil {
			o.audio = a
		}
	}
}

func WithUI(u UI) Option {
	return func(o *Orchestrator) {
		if u != nil {
			o.ui = u
		}
	}
}

func WithBus(b *Bus) Option { return func(o *Orchestrator) { o.bus = b } }

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRollback controls whether a failed init or activate re-activates the
// previously current mode. When disabled the session is left with no
// current mode once the previous one has been deactivated.
func WithRollback(enabled bool) Option { return func(o *Orchestrator) { o.rollback = enabled } }

func WithTransitionDuration(d time.Duration) Option {
	return func(o *Orchestrator) { o.duration = clampDuration(d) }
}

// Orchestrator drives the ordered switch from one current mode to another.
//
// Only one transition runs at a time. A request that arrives while a
// transition is in progress is rejected, never queued. Current is updated
// only once a transition has fully completed, so the render loop never
// observes a half-activated mode.
type Orchestrator struct {
	registry *Registry
	store    Store
	audio    Audio
	ui       UI
	bus      *Bus
	logger   *slog.Logger
	rollback bool

	mu       sync.Mutex
	record   Record
	duration time.Duration
	epoch    uint64
	cancel   context.CancelFunc
	lastErr  error
}

func NewOrchestrator(registry *Registry, opts ...Option) *Orchestrator {
	if registry == nil {
		registry = NewRegistry()
	}
	o := &Orchestrator{
		registry: registry,
		audio:    nopAudio{},
		ui:       nopUI{},
		logger:   slog.Default(),
		rollback: true,
		duration: DefaultTransitionDuration,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Registry() *Registry { return o.registry }

// transition carries one accepted switch through its steps.
type transition struct {
	id       string
	epoch    uint64
	ctx      context.Context
	target   ID
	prev     ID
	targetM  Mode
	prevM    Mode
	opts     SwitchOptions
	duration time.Duration
	step     Step

	deactivated bool
	activating  bool
	activated   bool
}

var errNoop = errors.New("mode: already current")

// SwitchMode moves the game to target. It returns true when target is
// current on return and false when the request was rejected or a step
// failed; LastError reports the cause. It never panics.
func (o *Orchestrator) SwitchMode(ctx context.Context, target ID, opts SwitchOptions) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	t, err := o.accept(ctx, target, opts)
	if errors.Is(err, errNoop) {
		return true
	}
	if err != nil {
		o.logger.Warn("mode switch rejected", "target", target.String(), "err", err)
		o.publish(EventTransitionRejected, nil, target, err)
		return false
	}

	o.logger.Info("mode switch started",
		"transition", t.id, "target", t.target.String(), "previous", t.prev.String(),
		"restore_state", t.opts.RestoreState, "duration", t.duration)

	err = o.run(t)
	current := t.target
	if err != nil {
		current = o.recoverFailure(t, err)
	}
	return o.finish(t, current, err)
}

func (o *Orchestrator) accept(ctx context.Context, target ID, opts SwitchOptions) (*transition, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.record.Transitioning {
		o.lastErr = stepError(StepGuard, target, ErrTransitionInProgress, nil)
		return nil, o.lastErr
	}
	targetM, ok := o.registry.Get(target)
	if !target.Valid() || !ok {
		o.lastErr = stepError(StepGuard, target, ErrUnknownMode, nil)
		return nil, o.lastErr
	}
	if target == o.record.Current {
		o.lastErr = nil
		return nil, errNoop
	}

	prev := o.record.Current
	prevM, _ := o.registry.Get(prev)

	o.record.Transitioning = true
	o.record.Previous = prev
	o.epoch++

	tctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	return &transition{
		id:       uuid.NewString(),
		epoch:    o.epoch,
		ctx:      tctx,
		target:   target,
		prev:     prev,
		targetM:  targetM,
		prevM:    prevM,
		opts:     opts,
		duration: o.duration,
	}, nil
}

func (o *Orchestrator) run(t *transition) (err error) {
	defer func() {
		if r := recover(); r != nil {
			kind := ErrHook
			if t.step == StepInit {
				kind = ErrModeInit
			}
			err = stepError(t.step, t.target, kind, fmt.Errorf("panic: %v", r))
		}
	}()

	o.publish(EventTransitionStarted, t, t.target, nil)

	if t.prev != None {
		t.step = StepFadeOut
		o.debugStep(t)
		if err := o.interrupted(t); err != nil {
			return err
		}
		if err := o.ui.FadeOutMode(t.ctx, t.prev, t.duration); err != nil {
			return stepError(StepFadeOut, t.prev, ErrHook, err)
		}
	}

	t.step = StepAudioPrepare
	o.debugStep(t)
	if err := o.interrupted(t); err != nil {
		return err
	}
	if err := o.audio.PrepareTransition(t.ctx, t.duration); err != nil {
		return stepError(StepAudioPrepare, t.prev, ErrHook, err)
	}

	if t.prevM != nil {
		t.step = StepSaveState
		o.debugStep(t)
		if err := o.interrupted(t); err != nil {
			return err
		}
		o.saveState(t.ctx, t.prev, t.prevM, t.id)

		t.step = StepDeactivate
		o.debugStep(t)
		if err := o.interrupted(t); err != nil {
			return err
		}
		if err := t.prevM.Deactivate(t.ctx); err != nil {
			return stepError(StepDeactivate, t.prev, ErrHook, err)
		}
		t.deactivated = true
		o.ui.HideModeUI(t.prev)
	}

	if !t.targetM.Initialized() {
		t.step = StepInit
		o.debugStep(t)
		if err := o.interrupted(t); err != nil {
			return err
		}
		if err := t.targetM.Init(t.ctx); err != nil {
			return stepError(StepInit, t.target, ErrModeInit, err)
		}
	}

	t.step = StepActivate
	o.debugStep(t)
	if err := o.interrupted(t); err != nil {
		return err
	}
	t.activating = true
	if err := t.targetM.Activate(t.ctx, ActivateOptions{RestoreState: t.opts.RestoreState, Previous: t.prev}); err != nil {
		return stepError(StepActivate, t.target, ErrHook, err)
	}
	t.activated = true
	// Init and Activate may ignore the context; a stop that arrived while
	// they ran still aborts the switch.
	if err := o.interrupted(t); err != nil {
		return err
	}
	// The mode is live from here on; remaining steps are cosmetic and
	// their failures are logged only.
	o.safely(t, func() error { o.ui.ShowModeUI(t.target); return nil })

	if t.opts.RestoreState {
		t.step = StepRestoreState
		o.debugStep(t)
		o.safely(t, func() error { o.restoreState(t.ctx, t.target, t.targetM, t.id); return nil })
	}

	t.step = StepFadeIn
	o.debugStep(t)
	o.safely(t, func() error { return o.ui.FadeInMode(t.ctx, t.target, t.duration) })

	t.step = StepAudioComplete
	o.debugStep(t)
	o.safely(t, func() error { return o.audio.CompleteTransition(t.ctx) })
	return o.interrupted(t)
}

// interrupted reports an emergency stop or a cancelled caller context that
// ended t before its current step.
func (o *Orchestrator) interrupted(t *transition) error {
	if o.superseded(t) {
		return stepError(t.step, t.target, ErrStopped, nil)
	}
	if err := t.ctx.Err(); err != nil {
		return stepError(t.step, t.target, ErrStopped, err)
	}
	return nil
}

// superseded reports whether EmergencyStop or a newer transition replaced t.
func (o *Orchestrator) superseded(t *transition) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.epoch != t.epoch
}

// recoverFailure handles a failed step and returns the mode that is current afterwards.
func (o *Orchestrator) recoverFailure(t *transition, cause error) ID {
	o.logger.Error("mode switch failed",
		"transition", t.id, "target", t.target.String(), "previous", t.prev.String(), "err", cause)

	if t.activating {
		// Activate may have claimed resources before failing.
		o.safely(t, func() error { return t.targetM.Deactivate(context.Background()) })
	}
	if t.activated {
		o.safely(t, func() error { o.ui.HideModeUI(t.target); return nil })
	}

	// A stopped transition only undoes its own activation. The fade and the
	// mixer may already belong to a newer transition.
	if o.superseded(t) {
		if t.deactivated {
			return None
		}
		return t.prev
	}

	if !t.deactivated {
		// Nothing was torn down; previous stays current with its music back.
		o.safely(t, func() error { o.ui.ResetFade(); return nil })
		o.safely(t, func() error { return o.audio.AbortTransition(context.Background()) })
		return t.prev
	}

	if !o.rollback || t.prevM == nil {
		o.safely(t, func() error { o.ui.ResetFade(); return nil })
		o.safely(t, func() error { return o.audio.CompleteTransition(context.Background()) })
		return None
	}

	// Rollback runs on a fresh context so an emergency stop of the failed
	// transition does not also abort the recovery.
	ctx := context.Background()
	t.step = StepRollback
	if err := o.safely(t, func() error {
		return t.prevM.Activate(ctx, ActivateOptions{RestoreState: false, Previous: t.target})
	}); err != nil {
		o.logger.Error("rollback failed, no mode is current",
			"transition", t.id, "previous", t.prev.String(), "err", err)
		o.safely(t, func() error { o.ui.ResetFade(); return nil })
		return None
	}
	o.safely(t, func() error { o.ui.ShowModeUI(t.prev); return nil })
	if err := o.safely(t, func() error { return o.ui.FadeInMode(ctx, t.prev, t.duration) }); err != nil {
		o.safely(t, func() error { o.ui.ResetFade(); return nil })
	}
	o.safely(t, func() error { return o.audio.CompleteTransition(ctx) })
	o.logger.Info("rolled back to previous mode", "transition", t.id, "mode", t.prev.String())
	return t.prev
}

func (o *Orchestrator) finish(t *transition, current ID, err error) bool {
	o.mu.Lock()
	stale := o.epoch != t.epoch
	if stale && !o.record.Transitioning && o.record.Current == t.prev {
		// Nothing replaced the record since the stop; make it name the mode
		// that is actually live.
		o.record.Current = current
	}
	if !stale {
		o.record.Current = current
		o.record.Transitioning = false
		o.lastErr = err
		if o.cancel != nil {
			o.cancel()
			o.cancel = nil
		}
	}
	o.mu.Unlock()

	if stale {
		o.logger.Warn("transition finished after emergency stop, result discarded",
			"transition", t.id, "target", t.target.String(), "live", current.String())
		return false
	}
	if err != nil {
		o.publish(EventTransitionFailed, t, t.target, err)
		return false
	}

	o.logger.Info("mode switch completed", "transition", t.id, "current", t.target.String())
	o.publish(EventTransitionCompleted, t, t.target, nil)
	return true
}

// safely runs a best-effort action, logging failures and panics instead of
// propagating them.
func (o *Orchestrator) safely(t *transition, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			o.logger.Warn("best-effort step failed", "transition", t.id, "step", string(t.step), "err", err)
		}
	}()
	return fn()
}

func (o *Orchestrator) saveState(ctx context.Context, id ID, m Mode, transitionID string) {
	if o.store == nil {
		return
	}
	blob, err := m.State()
	if err != nil {
		o.logger.Warn("snapshot failed", "transition", transitionID, "mode", id.String(),
			"err", stepError(StepSaveState, id, ErrPersistence, err))
		return
	}
	if blob == nil {
		return
	}
	if err := o.store.Set(ctx, StateKey(id), blob); err != nil {
		o.logger.Warn("persist state failed", "transition", transitionID, "mode", id.String(),
			"err", stepError(StepSaveState, id, ErrPersistence, err))
	}
}

func (o *Orchestrator) restoreState(ctx context.Context, id ID, m Mode, transitionID string) {
	if o.store == nil {
		return
	}
	blob, ok, err := o.store.Get(ctx, StateKey(id))
	if err != nil {
		o.logger.Warn("load state failed", "transition", transitionID, "mode", id.String(),
			"err", stepError(StepRestoreState, id, ErrPersistence, err))
		return
	}
	if !ok {
		o.logger.Debug("no saved state", "transition", transitionID, "mode", id.String())
		return
	}
	if err := m.SetState(blob); err != nil {
		o.logger.Warn("apply state failed", "transition", transitionID, "mode", id.String(),
			"err", stepError(StepRestoreState, id, ErrPersistence, err))
	}
}

// Release persists and deactivates the current mode and leaves no mode
// current. It refuses to run while a transition is in progress.
func (o *Orchestrator) Release(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	o.mu.Lock()
	if o.record.Transitioning {
		o.lastErr = stepError(StepRelease, None, ErrTransitionInProgress, nil)
		o.mu.Unlock()
		return false
	}
	current := o.record.Current
	m, ok := o.registry.Get(current)
	if current == None || !ok {
		o.record.Current = None
		o.mu.Unlock()
		return true
	}
	o.record.Transitioning = true
	o.epoch++
	epoch := o.epoch
	o.mu.Unlock()

	t := &transition{id: uuid.NewString(), epoch: epoch, prev: current, step: StepRelease}
	o.saveState(ctx, current, m, t.id)
	err := o.safely(t, func() error { return m.Deactivate(ctx) })
	if err == nil {
		o.safely(t, func() error { o.ui.HideModeUI(current); return nil })
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.epoch != epoch {
		return false
	}
	o.record.Transitioning = false
	if err != nil {
		o.lastErr = stepError(StepRelease, current, ErrHook, err)
		return false
	}
	o.record.Previous = current
	o.record.Current = None
	o.lastErr = nil
	return true
}

// CanSwitchTo reports whether SwitchMode(id) would be accepted right now.
func (o *Orchestrator) CanSwitchTo(id ID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.record.Transitioning || !id.Valid() || id == o.record.Current {
		return false
	}
	_, ok := o.registry.Get(id)
	return ok
}

// ResetMode deletes the persisted snapshot of id. The in-memory state of
// an active mode is left alone.
func (o *Orchestrator) ResetMode(ctx context.Context, id ID) error {
	if !id.Valid() {
		return fmt.Errorf("mode: reset %q: %w", id, ErrUnknownMode)
	}
	if o.store == nil {
		return nil
	}
	if err := o.store.Remove(ctx, StateKey(id)); err != nil {
		return stepError(StepSaveState, id, ErrPersistence, err)
	}
	return nil
}

// SetTransitionDuration sets the fade duration used by future transitions,
// clamped to [MinTransitionDuration, MaxTransitionDuration], and returns the
// applied value.
func (o *Orchestrator) SetTransitionDuration(d time.Duration) time.Duration {
	d = clampDuration(d)
	o.mu.Lock()
	o.duration = d
	o.mu.Unlock()
	return d
}

func (o *Orchestrator) TransitionDuration() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.duration
}

// EmergencyStop forces the orchestrator back to Idle and clears any fade
// overlay. Steps that already ran are not undone; a transition still
// blocked in a hook is cancelled and its eventual result is discarded.
func (o *Orchestrator) EmergencyStop() {
	o.mu.Lock()
	wasTransitioning := o.record.Transitioning
	o.record.Transitioning = false
	o.epoch++
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	if wasTransitioning {
		o.lastErr = stepError(StepGuard, o.record.Current, ErrStopped, nil)
	}
	current := o.record.Current
	o.mu.Unlock()

	o.ui.ResetFade()
	o.logger.Warn("emergency stop", "was_transitioning", wasTransitioning, "current", current.String())
	o.publish(EventEmergencyStopped, nil, current, nil)
}

func (o *Orchestrator) Current() ID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.record.Current
}

func (o *Orchestrator) Record() Record {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.record
}

func (o *Orchestrator) State() TransitionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.record.Transitioning {
		return Transitioning
	}
	return Idle
}

// LastError returns the cause of the most recent rejected or failed
// switch, or nil if the last switch succeeded.
func (o *Orchestrator) LastError() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	rec := o.record
	d := o.duration
	o.mu.Unlock()

	available := o.registry.IDs()
	saved := make([]SavedState, 0, len(available))
	for _, id := range available {
		has := false
		if o.store != nil {
			_, ok, err := o.store.Get(context.Background(), StateKey(id))
			has = ok && err == nil
		}
		saved = append(saved, SavedState{Mode: id, HasState: has})
	}

	return Status{
		Current:        rec.Current,
		Previous:       rec.Previous,
		Transitioning:  rec.Transitioning,
		AvailableModes: available,
		SavedStates:    saved,
		Duration:       d,
		Audio:          o.audio.DiagnosticState(),
	}
}

func (o *Orchestrator) publish(typ EventType, t *transition, target ID, err error) {
	if o.bus == nil {
		return
	}
	evt := Event{Type: typ, Target: target}
	if t != nil {
		evt.TransitionID = t.id
		evt.Previous = t.prev
	}
	if err != nil {
		evt.Err = err.Error()
	}
	o.bus.Publish(evt)
}

func (o *Orchestrator) debugStep(t *transition) {
	o.logger.Debug("transition step", "transition", t.id, "step", string(t.step),
		"target", t.target.String(), "previous", t.prev.String())
}

func clampDuration(d time.Duration) time.Duration {
	if d < MinTransitionDuration {
		return MinTransitionDuration
	}
	if d > MaxTransitionDuration {
		return MaxTransitionDuration
	}
	return d
}
