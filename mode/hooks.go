package mode

import (
	"context"
	"time"
)

const stateKeyPrefix = "gamestate_"

// StateKey returns the persistence key under which a mode's snapshot lives.
func StateKey(id ID) string {
	return stateKeyPrefix + string(id)
}

// Store is a durable keyed blob store. Get reports ok=false when the key is absent.
type Store interface {
	Get(ctx context.Context, key string) (blob []byte, ok bool, err error)
	Set(ctx context.Context, key string, blob []byte) error
	Remove(ctx context.Context, key string) error
}

// Audio is the audio side of a transition.
//
// PrepareTransition fades out the outgoing mode's tracks without touching
// shared ambient tracks. CompleteTransition clears the transitional
// bookkeeping; the new mode starts its own audio when it activates.
// AbortTransition brings back what PrepareTransition faded when the
// outgoing mode stays current.
type Audio interface {
	PrepareTransition(ctx context.Context, d time.Duration) error
	CompleteTransition(ctx context.Context) error
	AbortTransition(ctx context.Context) error
	DiagnosticState() any
}

// UI is the screen side of a transition. ResetFade discards any fade
// overlay left behind by an interrupted transition.
type UI interface {
	FadeOutMode(ctx context.Context, id ID, d time.Duration) error
	FadeInMode(ctx context.Context, id ID, d time.Duration) error
	ShowModeUI(id ID)
	HideModeUI(id ID)
	ResetFade()
}

type nopAudio struct{}

func (nopAudio) PrepareTransition(context.Context, time.Duration) error { return nil }
func (nopAudio) CompleteTransition(context.Context) error               { return nil }
func (nopAudio) AbortTransition(context.Context) error                  { return nil }
func (nopAudio) DiagnosticState() any                                   { return nil }

type nopUI struct{}

func (nopUI) FadeOutMode(context.Context, ID, time.Duration) error { return nil }
func (nopUI) FadeInMode(context.Context, ID, time.Duration) error  { return nil }
func (nopUI) ShowModeUI(ID)                                        {}
func (nopUI) HideModeUI(ID)                                        {}
func (nopUI) ResetFade()                                           {}
