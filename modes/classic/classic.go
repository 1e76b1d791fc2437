// Package classic is the endless flight mode: flap to stay airborne, collect
// coins and beat the best distance.
package classic

import (
	"context"
	"encoding/json"
	"fmt"
	"image/color"
	"log/slog"
	"math"
	"sync"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/hajimehoshi/ebiten/v2/vector"
	"github.com/jakecoffman/cp"

	"github.com/milk9111/skyrunner/common"
	"github.com/milk9111/skyrunner/mode"
	"github.com/milk9111/skyrunner/modes"
)

const (
	gravity     = 900.0
	flapSpeed   = -320.0
	scrollSpeed = 180.0
	coinSpacing = 300.0
	coinReach   = 28.0
	startY      = common.BaseHeight / 2
)

// Track is the music track name classic plays while active.
const Track = "classic"

var (
	skyColor    = color.RGBA{R: 0x87, G: 0xce, B: 0xeb, A: 0xff}
	planeColor  = color.RGBA{R: 0xe0, G: 0x40, B: 0x30, A: 0xff}
	coinColor   = color.RGBA{R: 0xff, G: 0xd7, B: 0x00, A: 0xff}
	groundColor = color.RGBA{R: 0x3a, G: 0x7d, B: 0x2c, A: 0xff}
)

type snapshot struct {
	Distance float64 `json:"distance"`
	Coins    int     `json:"coins"`
	Best     float64 `json:"best"`
	PlaneY   float64 `json:"plane_y"`
}

type Mode struct {
	mode.Base

	mu       sync.Mutex
	music    modes.Music
	logger   *slog.Logger
	space    *cp.Space
	plane    *cp.Body
	active   bool
	distance float64
	coins    int
	best     float64
	nextCoin float64
}

func New(music modes.Music, logger *slog.Logger) *Mode {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mode{music: music, logger: logger.With("mode", string(mode.Classic))}
}

func (m *Mode) Init(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Initialized() {
		return nil
	}
	m.space = modes.NewSpace(gravity)
	m.plane = modes.AddPlane(m.space, startY)
	m.nextCoin = coinSpacing
	m.MarkInitialized()
	m.logger.Debug("world allocated")
	return nil
}

func (m *Mode) Activate(_ context.Context, opts mode.ActivateOptions) error {
	m.mu.Lock()
	m.active = true
	m.mu.Unlock()

	if m.music != nil {
		if err := m.music.Play(Track); err != nil {
			m.logger.Warn("music unavailable", "err", err)
		}
	}
	m.logger.Debug("activated", "previous", opts.Previous.String(), "restore", opts.RestoreState)
	return nil
}

func (m *Mode) Deactivate(context.Context) error {
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()

	if m.music != nil {
		m.music.StopOwned(mode.Classic)
	}
	return nil
}

func (m *Mode) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

func (m *Mode) State() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := snapshot{Distance: m.distance, Coins: m.coins, Best: m.best, PlaneY: startY}
	if m.plane != nil {
		s.PlaneY = m.plane.Position().Y
	}
	return json.Marshal(s)
}

// SetState applies a snapshot. Fields absent from blob keep their values.
func (m *Mode) SetState(blob []byte) error {
	var s struct {
		Distance *float64 `json:"distance"`
		Coins    *int     `json:"coins"`
		Best     *float64 `json:"best"`
		PlaneY   *float64 `json:"plane_y"`
	}
	if err := json.Unmarshal(blob, &s); err != nil {
		return fmt.Errorf("classic: decode state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Distance != nil {
		m.distance = *s.Distance
		m.nextCoin = (math.Floor(m.distance/coinSpacing) + 1) * coinSpacing
	}
	if s.Coins != nil {
		m.coins = *s.Coins
	}
	if s.Best != nil {
		m.best = *s.Best
	}
	if s.PlaneY != nil && m.plane != nil {
		m.plane.SetPosition(cp.Vector{X: modes.PlaneX, Y: *s.PlaneY})
		m.plane.SetVelocity(0, 0)
	}
	return nil
}

func (m *Mode) Update() error {
	m.Step(modes.Input{
		Flap: inpututil.IsKeyJustPressed(ebiten.KeySpace) || inpututil.IsKeyJustPressed(ebiten.KeyUp),
	})
	return nil
}

// Step advances the world by one frame. It does nothing while the mode is
// inactive.
func (m *Mode) Step(in modes.Input) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.space == nil {
		return
	}

	if in.Flap {
		m.plane.SetVelocity(0, flapSpeed)
	}
	m.space.Step(modes.Step)
	m.distance += scrollSpeed * modes.Step

	y := m.plane.Position().Y
	if m.distance >= m.nextCoin {
		if math.Abs(y-coinY(m.nextCoin)) <= coinReach {
			m.coins++
		}
		m.nextCoin += coinSpacing
	}

	if y >= modes.GroundY-modes.PlaneRadius || y <= modes.PlaneRadius {
		m.crash()
	}
}

func (m *Mode) crash() {
	if m.distance > m.best {
		m.best = m.distance
	}
	m.logger.Info("run ended", "distance", math.Round(m.distance), "coins", m.coins, "best", math.Round(m.best))
	m.distance = 0
	m.coins = 0
	m.nextCoin = coinSpacing
	m.plane.SetPosition(cp.Vector{X: modes.PlaneX, Y: startY})
	m.plane.SetVelocity(0, 0)
}

// coinY places coins on a gentle wave so the pattern repeats per run.
func coinY(at float64) float64 {
	return startY + 160*math.Sin(at/900)
}

func (m *Mode) HUD() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("CLASSIC  distance %.0f  coins %d  best %.0f", m.distance, m.coins, m.best)
}

func (m *Mode) Draw(screen *ebiten.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	screen.Fill(skyColor)
	vector.FillRect(screen, 0, modes.GroundY, common.BaseWidth, common.BaseHeight-modes.GroundY, groundColor, false)

	for at := m.nextCoin; at < m.distance+common.BaseWidth; at += coinSpacing {
		x := float32(modes.PlaneX + at - m.distance)
		vector.FillRect(screen, x-6, float32(coinY(at))-6, 12, 12, coinColor, false)
	}
	if m.plane != nil {
		p := m.plane.Position()
		r := float32(modes.PlaneRadius)
		vector.FillRect(screen, float32(p.X)-r, float32(p.Y)-r/2, 2*r, r, planeColor, false)
	}
}
