// Package combat is the wave-based dogfight mode. Wave composition comes from
// an embedded tengo script so balancing does not need a rebuild of the logic.
package combat

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"image/color"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/d5/tengo/v2"
	"github.com/d5/tengo/v2/stdlib"
	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/inpututil"
	"github.com/hajimehoshi/ebiten/v2/vector"
	"github.com/jakecoffman/cp"

	"github.com/milk9111/skyrunner/common"
	"github.com/milk9111/skyrunner/mode"
	"github.com/milk9111/skyrunner/modes"
)

//go:embed waves.tengo
var defaultWaves []byte

// Track is the music track name combat plays while active.
const Track = "combat"

const (
	maxHealth     = 100
	climbSpeed    = 260.0
	hitBand       = 24.0
	fireCooldown  = 12
	enemySpacing  = 140.0
	enemySize     = 20.0
	pointsPerKill = 100
	startY        = common.BaseHeight / 2
)

var (
	skyColor    = color.RGBA{R: 0x1b, G: 0x1f, B: 0x3a, A: 0xff}
	planeColor  = color.RGBA{R: 0x40, G: 0xc0, B: 0xe0, A: 0xff}
	enemyColor  = color.RGBA{R: 0xd0, G: 0x30, B: 0x30, A: 0xff}
	healthColor = color.RGBA{R: 0x30, G: 0xd0, B: 0x60, A: 0xff}
)

type snapshot struct {
	Score  int `json:"score"`
	Health int `json:"health"`
	Wave   int `json:"wave"`
	Kills  int `json:"kills"`
}

// WaveSpec is one wave's composition as computed by the wave script.
type WaveSpec struct {
	Count  int
	Speed  float64
	Damage int
}

type enemy struct {
	body  *cp.Body
	alive bool
}

type Option func(*Mode)

// WithWaveScript replaces the embedded wave script.
func WithWaveScript(src []byte) Option {
	return func(m *Mode) { m.source = src }
}

type Mode struct {
	mode.Base

	mu       sync.Mutex
	music    modes.Music
	logger   *slog.Logger
	source   []byte
	script   *tengo.Compiled
	space    *cp.Space
	plane    *cp.Body
	enemies  []*enemy
	spec     WaveSpec
	active   bool
	cooldown int

	score  int
	health int
	wave   int
	kills  int
}

func New(music modes.Music, logger *slog.Logger, opts ...Option) *Mode {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mode{
		music:  music,
		logger: logger.With("mode", string(mode.Combat)),
		source: defaultWaves,
		health: maxHealth,
		wave:   1,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mode) Init(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Initialized() {
		return nil
	}

	script := tengo.NewScript(m.source)
	_ = script.Add("wave", 1)
	script.SetImports(stdlib.GetModuleMap(stdlib.AllModuleNames()...))
	compiled, err := script.Compile()
	if err != nil {
		return fmt.Errorf("combat: compile wave script: %w", err)
	}
	m.script = compiled

	spec, err := m.waveSpec(m.wave)
	if err != nil {
		return err
	}
	m.space = modes.NewSpace(0)
	m.plane = modes.AddPlane(m.space, startY)
	m.spawn(spec)
	m.MarkInitialized()
	m.logger.Debug("world allocated", "wave", m.wave, "enemies", spec.Count)
	return nil
}

func (m *Mode) waveSpec(n int) (WaveSpec, error) {
	if err := m.script.Set("wave", n); err != nil {
		return WaveSpec{}, err
	}
	if err := m.script.Run(); err != nil {
		return WaveSpec{}, fmt.Errorf("combat: run wave script: %w", err)
	}
	spec := WaveSpec{
		Count:  m.script.Get("count").Int(),
		Speed:  m.script.Get("speed").Float(),
		Damage: m.script.Get("damage").Int(),
	}
	if spec.Count < 1 {
		spec.Count = 1
	}
	return spec, nil
}

// WaveFor evaluates the wave script for wave n. The mode must be initialized.
func (m *Mode) WaveFor(n int) (WaveSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.script == nil {
		return WaveSpec{}, fmt.Errorf("combat: not initialized")
	}
	return m.waveSpec(n)
}

func (m *Mode) spawn(spec WaveSpec) {
	for _, e := range m.enemies {
		if e.alive {
			m.space.RemoveBody(e.body)
		}
	}
	m.spec = spec
	m.enemies = m.enemies[:0]
	rng := rand.New(rand.NewPCG(uint64(m.wave), 7))
	for i := 0; i < spec.Count; i++ {
		body := m.space.AddBody(cp.NewKinematicBody())
		y := 60 + rng.Float64()*(modes.GroundY-120)
		body.SetPosition(cp.Vector{X: common.BaseWidth + float64(i)*enemySpacing, Y: y})
		body.SetVelocity(-spec.Speed, 0)
		m.enemies = append(m.enemies, &enemy{body: body, alive: true})
	}
}

func (m *Mode) nextWave(n int) {
	spec, err := m.waveSpec(n)
	if err != nil {
		m.logger.Error("wave script failed; repeating previous wave", "wave", n, "err", err)
		spec = m.spec
	}
	m.wave = n
	m.spawn(spec)
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
	m.cooldown = 0
	m.mu.Unlock()

	if m.music != nil {
		m.music.StopOwned(mode.Combat)
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
	return json.Marshal(snapshot{Score: m.score, Health: m.health, Wave: m.wave, Kills: m.kills})
}

// SetState applies a snapshot. Fields absent from blob keep their values; a
// changed wave respawns its enemies.
func (m *Mode) SetState(blob []byte) error {
	var s struct {
		Score  *int `json:"score"`
		Health *int `json:"health"`
		Wave   *int `json:"wave"`
		Kills  *int `json:"kills"`
	}
	if err := json.Unmarshal(blob, &s); err != nil {
		return fmt.Errorf("combat: decode state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Score != nil {
		m.score = *s.Score
	}
	if s.Health != nil {
		m.health = *s.Health
	}
	if s.Kills != nil {
		m.kills = *s.Kills
	}
	if s.Wave != nil && *s.Wave >= 1 && *s.Wave != m.wave {
		if m.script != nil {
			m.nextWave(*s.Wave)
		} else {
			m.wave = *s.Wave
		}
	}
	return nil
}

func (m *Mode) Update() error {
	m.Step(modes.Input{
		Up:   ebiten.IsKeyPressed(ebiten.KeyUp) || ebiten.IsKeyPressed(ebiten.KeyW),
		Down: ebiten.IsKeyPressed(ebiten.KeyDown) || ebiten.IsKeyPressed(ebiten.KeyS),
		Fire: ebiten.IsKeyPressed(ebiten.KeySpace) || inpututil.IsKeyJustPressed(ebiten.KeyEnter),
	})
	return nil
}

// Step advances the fight by one frame. It does nothing while inactive.
func (m *Mode) Step(in modes.Input) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.space == nil {
		return
	}

	vy := 0.0
	if in.Up {
		vy -= climbSpeed
	}
	if in.Down {
		vy += climbSpeed
	}
	m.plane.SetVelocity(0, vy)
	m.space.Step(modes.Step)

	py := common.Clamp(m.plane.Position().Y, modes.PlaneRadius, modes.GroundY-modes.PlaneRadius)
	m.plane.SetPosition(cp.Vector{X: modes.PlaneX, Y: py})

	if m.cooldown > 0 {
		m.cooldown--
	}
	if in.Fire && m.cooldown == 0 {
		m.cooldown = fireCooldown
		if target := m.target(py); target != nil {
			m.kill(target)
			m.kills++
			m.score += pointsPerKill * m.wave
		}
	}

	remaining := 0
	for _, e := range m.enemies {
		if !e.alive {
			continue
		}
		p := e.body.Position()
		if p.X > modes.PlaneX {
			remaining++
			continue
		}
		if math.Abs(p.Y-py) <= hitBand {
			m.health -= m.spec.Damage
		}
		m.kill(e)
	}

	switch {
	case m.health <= 0:
		m.logger.Info("run ended", "score", m.score, "wave", m.wave, "kills", m.kills)
		m.score, m.kills, m.health = 0, 0, maxHealth
		m.nextWave(1)
	case remaining == 0:
		m.nextWave(m.wave + 1)
	}
}

// target returns the closest living enemy ahead of the plane within the
// firing band.
func (m *Mode) target(py float64) *enemy {
	var best *enemy
	for _, e := range m.enemies {
		if !e.alive {
			continue
		}
		p := e.body.Position()
		if p.X <= modes.PlaneX || p.X > common.BaseWidth || math.Abs(p.Y-py) > hitBand {
			continue
		}
		if best == nil || p.X < best.body.Position().X {
			best = e
		}
	}
	return best
}

func (m *Mode) kill(e *enemy) {
	e.alive = false
	m.space.RemoveBody(e.body)
}

func (m *Mode) HUD() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf("COMBAT  wave %d  score %d  kills %d  health %d", m.wave, m.score, m.kills, m.health)
}

func (m *Mode) Draw(screen *ebiten.Image) {
	m.mu.Lock()
	defer m.mu.Unlock()
	screen.Fill(skyColor)

	half := float32(enemySize / 2)
	for _, e := range m.enemies {
		if !e.alive {
			continue
		}
		p := e.body.Position()
		vector.FillRect(screen, float32(p.X)-half, float32(p.Y)-half, enemySize, enemySize, enemyColor, false)
	}
	if m.plane != nil {
		p := m.plane.Position()
		r := float32(modes.PlaneRadius)
		vector.FillRect(screen, float32(p.X)-r, float32(p.Y)-r/2, 2*r, r, planeColor, false)
	}
	w := float32(200 * common.Clamp(float64(m.health)/maxHealth, 0, 1))
	vector.FillRect(screen, common.BaseWidth-220, 16, w, 10, healthColor, false)
}
