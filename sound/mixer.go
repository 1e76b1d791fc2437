// Package sound owns music playback shared by every gameplay mode.
package sound

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/milk9111/skyrunner/mode"
)

// Ambient marks tracks that belong to no mode and keep playing across transitions.
const Ambient = mode.None

const defaultTick = time.Second / 60

// Track is the subset of *audio.Player the mixer drives.
type Track interface {
	Play()
	Pause()
	Rewind() error
	IsPlaying() bool
	SetVolume(volume float64)
	Volume() float64
}

type entry struct {
	track  Track
	owner  mode.ID
	base   float64
	loop   bool
	active bool
}

// Diagnostics is the mixer's informational state.
type Diagnostics struct {
	Playing       []string
	Fading        []string
	Transitioning bool
}

// Mixer plays named tracks and fades mode-owned music during transitions.
type Mixer struct {
	mu            sync.Mutex
	tracks        map[string]*entry
	fading        []string
	transitioning bool
	tick          time.Duration
	logger        *slog.Logger
}

type MixerOption func(*Mixer)

// WithTick sets the interval between volume steps while fading.
func WithTick(d time.Duration) MixerOption {
	return func(m *Mixer) {
		if d > 0 {
			m.tick = d
		}
	}
}

func WithLogger(l *slog.Logger) MixerOption {
	return func(m *Mixer) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewMixer(opts ...MixerOption) *Mixer {
	m := &Mixer{
		tracks: make(map[string]*entry),
		tick:   defaultTick,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Add registers a track under name. owner is the mode that starts it, or
// Ambient for shared tracks.
func (m *Mixer) Add(name string, owner mode.ID, t Track, volume float64, loop bool) {
	if t == nil || name == "" {
		return
	}
	if volume <= 0 || volume > 1 {
		volume = 1
	}
	m.mu.Lock()
	m.tracks[name] = &entry{track: t, owner: owner, base: volume, loop: loop}
	m.mu.Unlock()
}

// Play starts name from the beginning at its base volume.
func (m *Mixer) Play(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.tracks[name]
	if !ok {
		return fmt.Errorf("sound: unknown track %q", name)
	}
	if e.active && e.track.IsPlaying() {
		return nil
	}
	if err := e.track.Rewind(); err != nil {
		return fmt.Errorf("sound: rewind %q: %w", name, err)
	}
	e.track.SetVolume(e.base)
	e.track.Play()
	e.active = true
	return nil
}

// Stop pauses name immediately.
func (m *Mixer) Stop(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.tracks[name]; ok {
		e.active = false
		e.track.Pause()
	}
}

// StopOwned pauses every track owned by owner.
func (m *Mixer) StopOwned(owner mode.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.tracks {
		if e.owner == owner {
			e.active = false
			e.track.Pause()
		}
	}
}

// Update restarts looping tracks that reached their end. Called once per frame.
func (m *Mixer) Update() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, e := range m.tracks {
		if !e.active || !e.loop || e.track.IsPlaying() {
			continue
		}
		if err := e.track.Rewind(); err != nil {
			m.logger.Warn("music loop rewind failed", "track", name, "err", err)
			continue
		}
		e.track.Play()
	}
}

// PrepareTransition ramps every playing mode-owned track down to silence
// over d, then pauses and rewinds it. Ambient tracks are left alone.
func (m *Mixer) PrepareTransition(ctx context.Context, d time.Duration) error {
	m.mu.Lock()
	m.transitioning = true
	var names []string
	for name, e := range m.tracks {
		if e.owner == Ambient || !e.active {
			continue
		}
		names = append(names, name)
		e.active = false
	}
	sort.Strings(names)
	m.fading = append(m.fading, names...)
	tick := m.tick
	m.mu.Unlock()

	if len(names) == 0 {
		return nil
	}

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
		remaining := 1 - float64(i)/float64(steps)
		m.mu.Lock()
		for _, name := range names {
			e := m.tracks[name]
			e.track.SetVolume(e.base * remaining)
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		e := m.tracks[name]
		e.track.Pause()
		if err := e.track.Rewind(); err != nil {
			m.logger.Warn("rewind after fade failed", "track", name, "err", err)
		}
	}
	return nil
}

// CompleteTransition restores the base volume of faded tracks and clears
// transition bookkeeping. It does not start any track.
func (m *Mixer) CompleteTransition(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.fading {
		if e, ok := m.tracks[name]; ok {
			e.track.SetVolume(e.base)
		}
	}
	m.fading = nil
	m.transitioning = false
	return nil
}

// AbortTransition undoes PrepareTransition: faded tracks return to their
// base volume and resume playing.
func (m *Mixer) AbortTransition(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.fading {
		e, ok := m.tracks[name]
		if !ok {
			continue
		}
		e.track.SetVolume(e.base)
		if !e.track.IsPlaying() {
			e.track.Play()
		}
		e.active = true
	}
	m.fading = nil
	m.transitioning = false
	return nil
}

func (m *Mixer) DiagnosticState() any {
	return m.Diagnostics()
}

func (m *Mixer) Diagnostics() Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := Diagnostics{
		Fading:        append([]string(nil), m.fading...),
		Transitioning: m.transitioning,
	}
	for name, e := range m.tracks {
		if e.track.IsPlaying() {
			d.Playing = append(d.Playing, name)
		}
	}
	sort.Strings(d.Playing)
	return d
}
