// Package mode owns the gameplay mode lifecycle: the contract every mode
// implements, the registry of mode instances, and the orchestrator that
// moves the game from one active mode to another.
package mode

import (
	"context"
	"sync/atomic"

	"github.com/hajimehoshi/ebiten/v2"
)

// ID identifies a gameplay mode. The set of valid IDs is closed.
type ID string

const (
	None    ID = ""
	Classic ID = "classic"
	Combat  ID = "combat"
)

var knownIDs = []ID{Classic, Combat}

// IDs returns every known mode ID in a stable order.
func IDs() []ID {
	return append([]ID(nil), knownIDs...)
}

// Valid reports whether id belongs to the closed set of modes.
func (id ID) Valid() bool {
	for _, known := range knownIDs {
		if id == known {
			return true
		}
	}
	return false
}

func (id ID) String() string {
	if id == None {
		return "none"
	}
	return string(id)
}

// ActivateOptions is passed to Mode.Activate every time a mode becomes current.
type ActivateOptions struct {
	RestoreState bool
	Previous     ID
}

// Mode is the lifecycle contract of a gameplay mode. Every method is
// required; modes with nothing to do embed Base for no-op defaults.
//
// Init allocates the mode's world and must be idempotent. Activate runs each
// time the mode becomes current and is only called after Init succeeded.
// Deactivate releases exclusive input and audio claims but may keep the
// world allocated. State returns a snapshot of mutable progress and SetState
// applies one, tolerating missing fields.
type Mode interface {
	Init(ctx context.Context) error
	Initialized() bool
	Activate(ctx context.Context, opts ActivateOptions) error
	Deactivate(ctx context.Context) error
	State() ([]byte, error)
	SetState(blob []byte) error
}

// Runner is driven by the render loop while a mode is current.
type Runner interface {
	Update() error
	Draw(screen *ebiten.Image)
}

// Base provides no-op lifecycle defaults and init bookkeeping.
// The flag is atomic so Initialized can be read without the embedding
// mode's lock.
type Base struct {
	initialized atomic.Bool
}

func (b *Base) Init(context.Context) error {
	b.initialized.Store(true)
	return nil
}

func (b *Base) Initialized() bool { return b.initialized.Load() }

// MarkInitialized records that the embedding mode finished its own Init.
func (b *Base) MarkInitialized() { b.initialized.Store(true) }

func (b *Base) Activate(context.Context, ActivateOptions) error { return nil }

func (b *Base) Deactivate(context.Context) error { return nil }

func (b *Base) State() ([]byte, error) { return nil, nil }

func (b *Base) SetState([]byte) error { return nil }

func (b *Base) Update() error { return nil }

func (b *Base) Draw(*ebiten.Image) {}
