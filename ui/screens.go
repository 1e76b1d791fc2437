// Package ui draws the transition overlay, per-mode HUDs and the mode-select
// menu, and implements the orchestrator's UI hook.
package ui

import (
	"context"
	"image/color"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ebitenui/ebitenui"
	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/vector"

	"github.com/milk9111/skyrunner/mode"
)

// ModeSelect is the pseudo-screen for the mode-select menu.
const ModeSelect mode.ID = "mode_select"

// Screens tracks which mode screens are visible and owns the fade overlay.
type Screens struct {
	mu      sync.Mutex
	visible map[mode.ID]bool
	huds    map[mode.ID]func() string
	menu    *ebitenui.UI
	fader   *Fader
	logger  *slog.Logger
}

func NewScreens(fader *Fader, logger *slog.Logger) *Screens {
	if fader == nil {
		fader = NewFader(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Screens{
		visible: make(map[mode.ID]bool),
		huds:    make(map[mode.ID]func() string),
		fader:   fader,
		logger:  logger,
	}
}

// SetMenu attaches the mode-select menu drawn while ModeSelect is visible.
func (s *Screens) SetMenu(menu *ebitenui.UI) {
	s.mu.Lock()
	s.menu = menu
	s.mu.Unlock()
}

// SetHUD registers the text drawn while id's screen is visible.
func (s *Screens) SetHUD(id mode.ID, hud func() string) {
	s.mu.Lock()
	s.huds[id] = hud
	s.mu.Unlock()
}

func (s *Screens) FadeOutMode(ctx context.Context, id mode.ID, d time.Duration) error {
	s.logger.Debug("fade out", "mode", id.String(), "duration", d)
	return s.fader.Run(ctx, 1, d)
}

func (s *Screens) FadeInMode(ctx context.Context, id mode.ID, d time.Duration) error {
	s.logger.Debug("fade in", "mode", id.String(), "duration", d)
	return s.fader.Run(ctx, 0, d)
}

func (s *Screens) ShowModeUI(id mode.ID) { s.setVisible(id, true) }

func (s *Screens) HideModeUI(id mode.ID) { s.setVisible(id, false) }

func (s *Screens) ResetFade() { s.fader.Reset() }

func (s *Screens) ShowMenu() { s.setVisible(ModeSelect, true) }

func (s *Screens) HideMenu() { s.setVisible(ModeSelect, false) }

func (s *Screens) Visible(id mode.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible[id]
}

// VisibleScreens lists visible screens in name order.
func (s *Screens) VisibleScreens() []mode.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []mode.ID
	for id, v := range s.visible {
		if v {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (s *Screens) FadeAlpha() float64 { return s.fader.Alpha() }

func (s *Screens) setVisible(id mode.ID, v bool) {
	s.mu.Lock()
	s.visible[id] = v
	s.mu.Unlock()
}

// Update forwards input to the menu while it is shown.
func (s *Screens) Update() {
	s.mu.Lock()
	menu := s.menu
	show := s.visible[ModeSelect]
	s.mu.Unlock()
	if menu != nil && show {
		menu.Update()
	}
}

// Draw renders HUDs, the menu and then the fade overlay on top.
func (s *Screens) Draw(screen *ebiten.Image) {
	s.mu.Lock()
	var lines []string
	for _, id := range mode.IDs() {
		if hud := s.huds[id]; hud != nil && s.visible[id] {
			lines = append(lines, hud())
		}
	}
	menu := s.menu
	show := s.visible[ModeSelect]
	s.mu.Unlock()

	for i, line := range lines {
		ebitenutil.DebugPrintAt(screen, line, 10, 10+i*16)
	}
	if menu != nil && show {
		menu.Draw(screen)
	}

	if a := s.fader.Alpha(); a > 0 {
		b := screen.Bounds()
		vector.FillRect(screen, 0, 0, float32(b.Dx()), float32(b.Dy()),
			color.NRGBA{A: uint8(a * 255)}, false)
	}
}
