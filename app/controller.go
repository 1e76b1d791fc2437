// Package app sequences game startup and exposes start, stop and mode
// switching to the runtime and input layers.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/milk9111/skyrunner/mode"
	"github.com/milk9111/skyrunner/modes"
)

var (
	ErrNotStarted   = errors.New("app: startup has not completed")
	ErrSwitchFailed = errors.New("app: mode switch failed")
)

// Action is a player command routed from the input layer.
type Action int

const (
	SelectClassic Action = iota + 1
	SelectCombat
	Stop
	EmergencyStop
)

func (a Action) String() string {
	switch a {
	case SelectClassic:
		return "select_classic"
	case SelectCombat:
		return "select_combat"
	case Stop:
		return "stop"
	case EmergencyStop:
		return "emergency_stop"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// Engine is the render/update loop.
type Engine interface {
	Start()
	Stop()
	Running() bool
	SetInputHandler(func(Action))
}

type Store interface {
	mode.Store
	Close() error
}

// Audio is the orchestrator's audio hook plus the playback modes drive.
type Audio interface {
	mode.Audio
	modes.Music
}

// Screens is the orchestrator's UI hook plus the mode-select menu.
type Screens interface {
	mode.UI
	ShowMenu()
	HideMenu()
}

// Deps are the collaborators handed to each mode factory.
type Deps struct {
	Music  modes.Music
	Logger *slog.Logger
}

type Factory func(Deps) (mode.Mode, error)

// Setup holds one constructor per startup stage. A nil stage is skipped,
// except InitEngine which is required.
type Setup struct {
	OpenStore    func(context.Context) (Store, error)
	InitAudio    func(context.Context) (Audio, error)
	LoadTextures func(context.Context) error
	InitUI       func(context.Context) (Screens, error)
	InitEngine   func(context.Context) (Engine, error)
	Modes        map[mode.ID]Factory

	Logger              *slog.Logger
	OrchestratorOptions []mode.Option
}

// StartupError names the stage that aborted startup.
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string { return fmt.Sprintf("startup: %s: %v", e.Stage, e.Err) }

func (e *StartupError) Unwrap() error { return e.Err }

type Controller struct {
	setup  Setup
	logger *slog.Logger

	mu      sync.Mutex
	started bool
	store   Store
	audio   Audio
	screens Screens
	engine  Engine
	orch    *mode.Orchestrator
	bus     *mode.Bus

	// lifecycle serializes Start and Stop so a stop never lands between a
	// start's switch and its engine start.
	lifecycle sync.Mutex
	pending   sync.WaitGroup
}

// settleInterval is how often Stop polls for an in-flight transition to end.
const settleInterval = 10 * time.Millisecond

func New(setup Setup) *Controller {
	logger := setup.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{setup: setup, logger: logger}
}

// Startup runs every stage in order. Any failure releases what was built,
// and a later call starts over from the first stage. Calling Startup after
// it succeeded is a no-op.
func (c *Controller) Startup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}

	var (
		store   Store
		audio   Audio
		screens Screens
		engine  Engine
		bus     *mode.Bus
	)
	fail := func(stage string, err error) error {
		if bus != nil {
			bus.Close()
		}
		if store != nil {
			if cerr := store.Close(); cerr != nil {
				c.logger.Warn("closing store after failed startup", "err", cerr)
			}
		}
		c.logger.Error("startup failed", "stage", stage, "err", err)
		return &StartupError{Stage: stage, Err: err}
	}

	var err error
	if c.setup.OpenStore != nil {
		c.logger.Debug("startup stage", "stage", "store")
		if store, err = c.setup.OpenStore(ctx); err != nil {
			return fail("store", err)
		}
	}
	if c.setup.InitAudio != nil {
		c.logger.Debug("startup stage", "stage", "audio")
		if audio, err = c.setup.InitAudio(ctx); err != nil {
			return fail("audio", err)
		}
	}
	if c.setup.LoadTextures != nil {
		c.logger.Debug("startup stage", "stage", "textures")
		if err = c.setup.LoadTextures(ctx); err != nil {
			return fail("textures", err)
		}
	}
	if c.setup.InitUI != nil {
		c.logger.Debug("startup stage", "stage", "ui")
		if screens, err = c.setup.InitUI(ctx); err != nil {
			return fail("ui", err)
		}
	}

	c.logger.Debug("startup stage", "stage", "engine")
	if c.setup.InitEngine == nil {
		return fail("engine", errors.New("no engine constructor"))
	}
	if engine, err = c.setup.InitEngine(ctx); err != nil {
		return fail("engine", err)
	}

	c.logger.Debug("startup stage", "stage", "orchestrator")
	bus = mode.NewBus(64)
	opts := []mode.Option{mode.WithBus(bus), mode.WithLogger(c.logger)}
	if store != nil {
		opts = append(opts, mode.WithStore(store))
	}
	if audio != nil {
		opts = append(opts, mode.WithAudio(audio))
	}
	if screens != nil {
		opts = append(opts, mode.WithUI(screens))
	}
	opts = append(opts, c.setup.OrchestratorOptions...)
	registry := mode.NewRegistry()
	orch := mode.NewOrchestrator(registry, opts...)

	c.logger.Debug("startup stage", "stage", "modes")
	for id := range c.setup.Modes {
		if !id.Valid() {
			return fail("modes", fmt.Errorf("%q: %w", id, mode.ErrUnknownMode))
		}
	}
	deps := Deps{Logger: c.logger}
	if audio != nil {
		deps.Music = audio
	}
	for _, id := range mode.IDs() {
		factory, ok := c.setup.Modes[id]
		if !ok {
			continue
		}
		m, err := factory(deps)
		if err != nil {
			return fail("modes", fmt.Errorf("construct %s: %w", id, err))
		}
		if err := registry.Register(id, m); err != nil {
			return fail("modes", err)
		}
	}

	c.logger.Debug("startup stage", "stage", "input")
	engine.SetInputHandler(c.HandleInput)

	c.store, c.audio, c.screens, c.engine = store, audio, screens, engine
	c.orch, c.bus = orch, bus
	c.started = true
	c.logger.Info("startup complete", "modes", len(registry.IDs()))
	return nil
}

func (c *Controller) orchestrator() (*mode.Orchestrator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil, ErrNotStarted
	}
	return c.orch, nil
}

// Orchestrator returns the orchestrator, or nil before startup.
func (c *Controller) Orchestrator() *mode.Orchestrator {
	o, _ := c.orchestrator()
	return o
}

// Bus returns the transition event bus, or nil before startup.
func (c *Controller) Bus() *mode.Bus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bus
}

// Start switches to id and, only if that succeeds, starts the loop and
// hides the mode-select menu.
func (c *Controller) Start(ctx context.Context, id mode.ID) error {
	o, err := c.orchestrator()
	if err != nil {
		return err
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if !o.SwitchMode(ctx, id, mode.DefaultSwitchOptions()) {
		return switchError(id, o.LastError())
	}
	c.engine.Start()
	if c.screens != nil {
		c.screens.HideMenu()
	}
	c.logger.Info("game started", "mode", id.String())
	return nil
}

// Stop halts the loop and releases the current mode. A transition in
// flight is allowed to finish first, so no mode is current once Stop
// returns nil. Registered modes stay initialized so a later Start is fast.
func (c *Controller) Stop(ctx context.Context) error {
	o, err := c.orchestrator()
	if err != nil {
		return err
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.engine.Stop()
	err = c.release(ctx, o)
	if c.screens != nil {
		c.screens.ShowMenu()
	}
	if err != nil {
		return fmt.Errorf("app: stop: %w", err)
	}
	c.logger.Info("game stopped")
	return nil
}

// release retries Release until no transition is in the way or ctx ends.
func (c *Controller) release(ctx context.Context, o *mode.Orchestrator) error {
	ticker := time.NewTicker(settleInterval)
	defer ticker.Stop()
	for {
		if o.Release(ctx) {
			return nil
		}
		if err := o.LastError(); err != nil && !errors.Is(err, mode.ErrTransitionInProgress) {
			return err
		}
		c.logger.Debug("stop waiting for transition to settle")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func switchError(id mode.ID, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", ErrSwitchFailed, id)
	}
	return fmt.Errorf("%w: %s: %w", ErrSwitchFailed, id, cause)
}

// SwitchMode changes the active mode. It returns false before startup.
func (c *Controller) SwitchMode(ctx context.Context, id mode.ID, opts mode.SwitchOptions) bool {
	o, err := c.orchestrator()
	if err != nil {
		c.logger.Warn("switch before startup", "target", id.String())
		return false
	}
	return o.SwitchMode(ctx, id, opts)
}

func (c *Controller) Status() (mode.Status, error) {
	o, err := c.orchestrator()
	if err != nil {
		return mode.Status{}, err
	}
	return o.Status(), nil
}

func (c *Controller) ResetMode(ctx context.Context, id mode.ID) error {
	o, err := c.orchestrator()
	if err != nil {
		return err
	}
	return o.ResetMode(ctx, id)
}

func (c *Controller) SetTransitionDuration(d time.Duration) (time.Duration, error) {
	o, err := c.orchestrator()
	if err != nil {
		return 0, err
	}
	return o.SetTransitionDuration(d), nil
}

func (c *Controller) CanSwitchTo(id mode.ID) bool {
	o, err := c.orchestrator()
	if err != nil {
		return false
	}
	return o.CanSwitchTo(id)
}

func (c *Controller) EmergencyStop() {
	if o, err := c.orchestrator(); err == nil {
		o.EmergencyStop()
	}
}

// HandleInput routes a player action. Anything that may run a transition is
// dispatched on its own goroutine so the frame that read the input is not
// held up by fades.
func (c *Controller) HandleInput(a Action) {
	c.logger.Debug("input", "action", a.String())
	switch a {
	case SelectClassic, SelectCombat:
		id := mode.Classic
		if a == SelectCombat {
			id = mode.Combat
		}
		c.async(func(ctx context.Context) {
			var err error
			if c.engine != nil && c.engine.Running() {
				if !c.SwitchMode(ctx, id, mode.DefaultSwitchOptions()) {
					err = switchError(id, c.lastError())
				}
			} else {
				err = c.Start(ctx, id)
			}
			if err != nil {
				c.logger.Warn("mode selection failed", "target", id.String(), "err", err)
			}
		})
	case Stop:
		c.async(func(ctx context.Context) {
			if err := c.Stop(ctx); err != nil {
				c.logger.Warn("stop failed", "err", err)
			}
		})
	case EmergencyStop:
		c.EmergencyStop()
	default:
		c.logger.Warn("unknown input action", "action", a.String())
	}
}

func (c *Controller) lastError() error {
	if o, err := c.orchestrator(); err == nil {
		return o.LastError()
	}
	return ErrNotStarted
}

func (c *Controller) async(fn func(context.Context)) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		fn(context.Background())
	}()
}

// Wait blocks until every action dispatched by HandleInput has finished.
func (c *Controller) Wait() { c.pending.Wait() }

// Watchdog emergency-stops any transition that stays in progress longer
// than timeout. It runs until ctx is done.
func (c *Controller) Watchdog(ctx context.Context, timeout time.Duration) error {
	o, err := c.orchestrator()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		return fmt.Errorf("app: watchdog timeout must be positive, got %v", timeout)
	}
	events, cancel := c.Bus().SubscribeChan(16)
	defer cancel()

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		running string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			switch evt.Type {
			case mode.EventTransitionStarted:
				running = evt.TransitionID
				if timer == nil {
					timer = time.NewTimer(timeout)
				} else {
					timer.Reset(timeout)
				}
				fire = timer.C
			case mode.EventTransitionCompleted, mode.EventTransitionFailed:
				if evt.TransitionID == running {
					fire = nil
				}
			case mode.EventEmergencyStopped:
				fire = nil
			}
		case <-fire:
			fire = nil
			if o.State() == mode.Transitioning {
				c.logger.Error("transition exceeded watchdog timeout", "transition", running, "timeout", timeout)
				o.EmergencyStop()
			}
		}
	}
}

// Close stops the loop, waits for pending actions and closes the store.
func (c *Controller) Close() error {
	c.mu.Lock()
	started := c.started
	engine, store, bus := c.engine, c.store, c.bus
	c.started = false
	c.mu.Unlock()
	if !started {
		return nil
	}

	engine.Stop()
	c.Wait()
	bus.Close()
	if store != nil {
		return store.Close()
	}
	return nil
}
