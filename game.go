package main

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/ebitenutil"
	"github.com/hajimehoshi/ebiten/v2/inpututil"

	"github.com/milk9111/skyrunner/app"
	"github.com/milk9111/skyrunner/common"
	"github.com/milk9111/skyrunner/mode"
	"github.com/milk9111/skyrunner/sound"
	"github.com/milk9111/skyrunner/ui"
)

var keyActions = []struct {
	key    ebiten.Key
	action app.Action
}{
	{ebiten.KeyDigit1, app.SelectClassic},
	{ebiten.KeyDigit2, app.SelectCombat},
	{ebiten.KeyEscape, app.Stop},
	{ebiten.KeyF12, app.EmergencyStop},
}

var padActions = []struct {
	button ebiten.StandardGamepadButton
	action app.Action
}{
	{ebiten.StandardGamepadButtonRightBottom, app.SelectClassic},
	{ebiten.StandardGamepadButtonRightRight, app.SelectCombat},
	{ebiten.StandardGamepadButtonCenterRight, app.Stop},
}

// Game drives the current mode from the ebiten loop. It only reads the
// orchestrator; every lifecycle change goes through the input handler.
type Game struct {
	frames int
	debug  bool

	screens *ui.Screens
	mixer   *sound.Mixer

	running atomic.Bool
	mu      sync.Mutex
	orch    *mode.Orchestrator
	onInput func(app.Action)
	gamepad []ebiten.GamepadID
}

func NewGame(screens *ui.Screens, mixer *sound.Mixer, debug bool) *Game {
	return &Game{screens: screens, mixer: mixer, debug: debug}
}

// Attach sets the orchestrator whose current mode is updated and drawn.
func (g *Game) Attach(o *mode.Orchestrator) {
	g.mu.Lock()
	g.orch = o
	g.mu.Unlock()
}

func (g *Game) Start()        { g.running.Store(true) }
func (g *Game) Stop()         { g.running.Store(false) }
func (g *Game) Running() bool { return g.running.Load() }

func (g *Game) SetInputHandler(h func(app.Action)) {
	g.mu.Lock()
	g.onInput = h
	g.mu.Unlock()
}

// Dispatch forwards an action to the input handler, if one is set.
func (g *Game) Dispatch(a app.Action) {
	g.mu.Lock()
	h := g.onInput
	g.mu.Unlock()
	if h != nil {
		h(a)
	}
}

func (g *Game) current() mode.Runner {
	g.mu.Lock()
	o := g.orch
	g.mu.Unlock()
	if o == nil {
		return nil
	}
	m, ok := o.Registry().Get(o.Current())
	if !ok {
		return nil
	}
	r, _ := m.(mode.Runner)
	return r
}

func (g *Game) Update() error {
	g.frames++

	for _, ka := range keyActions {
		if inpututil.IsKeyJustPressed(ka.key) {
			g.Dispatch(ka.action)
		}
	}
	g.gamepad = ebiten.AppendGamepadIDs(g.gamepad[:0])
	for _, id := range g.gamepad {
		for _, pa := range padActions {
			if inpututil.IsStandardGamepadButtonJustPressed(id, pa.button) {
				g.Dispatch(pa.action)
			}
		}
	}

	if g.mixer != nil {
		g.mixer.Update()
	}
	if g.screens != nil {
		g.screens.Update()
	}
	if !g.Running() {
		return nil
	}
	if r := g.current(); r != nil {
		return r.Update()
	}
	return nil
}

func (g *Game) Draw(screen *ebiten.Image) {
	if g.Running() {
		if r := g.current(); r != nil {
			r.Draw(screen)
		}
	}
	if g.screens != nil {
		g.screens.Draw(screen)
	}
	if g.debug {
		ebitenutil.DebugPrintAt(screen, fmt.Sprintf("FPS: %.1f  TPS: %.1f", ebiten.ActualFPS(), ebiten.ActualTPS()), 10, common.BaseHeight-20)
	}
}

func (g *Game) LayoutF(outsideWidth, outsideHeight float64) (float64, float64) {
	return common.BaseWidth, common.BaseHeight
}

func (g *Game) Layout(outsideWidth, outsideHeight int) (int, int) {
	return common.BaseWidth, common.BaseHeight
}
