package ui

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/milk9111/skyrunner/common"
)

var ErrFadeReset = errors.New("ui: fade reset")

// Fader animates a full-screen overlay alpha on a wall-clock ticker so fades
// keep their duration regardless of frame rate.
type Fader struct {
	mu    sync.Mutex
	alpha float64
	gen   uint64
	tick  time.Duration
}

func NewFader(tick time.Duration) *Fader {
	if tick <= 0 {
		tick = time.Second / 60
	}
	return &Fader{tick: tick}
}

func (f *Fader) Alpha() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alpha
}

// Run moves alpha from its current value to target over d and blocks until
// done. It returns early with the context error, or ErrFadeReset if Reset
// is called meanwhile.
func (f *Fader) Run(ctx context.Context, target float64, d time.Duration) error {
	target = common.Clamp(target, 0, 1)

	f.mu.Lock()
	f.gen++
	gen := f.gen
	start := f.alpha
	tick := f.tick
	f.mu.Unlock()

	steps := int(d / tick)
	if steps < 1 {
		steps = 1
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for i := 1; i <= steps; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		f.mu.Lock()
		if f.gen != gen {
			f.mu.Unlock()
			return ErrFadeReset
		}
		f.alpha = common.Lerp(start, target, float64(i)/float64(steps))
		f.mu.Unlock()
	}
	return nil
}

// Reset clears the overlay and cancels any fade in progress.
func (f *Fader) Reset() {
	f.mu.Lock()
	f.gen++
	f.alpha = 0
	f.mu.Unlock()
}
