package mode

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// callLog records hook and lifecycle calls in order.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(format string, args ...any) {
	l.mu.Lock()
	l.calls = append(l.calls, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) count(call string) int {
	n := 0
	for _, c := range l.list() {
		if c == call {
			n++
		}
	}
	return n
}

func (l *callLog) has(prefix string) bool {
	for _, c := range l.list() {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type fakeMode struct {
	id  ID
	log *callLog

	initialized bool
	state       []byte
	applied     [][]byte

	initErr       error
	activateErr   error
	deactivateErr error
	stateErr      error
	activatePanic bool

	// activateFailures counts down; while positive, Activate fails.
	activateFailures int

	// When gate is set Init or Activate (per gateStep) signals entered and
	// blocks until the gate closes, ignoring its context.
	gate     chan struct{}
	entered  chan struct{}
	gateStep Step
}

func (m *fakeMode) wait(step Step) {
	if m.gate == nil || m.gateStep != step {
		return
	}
	close(m.entered)
	<-m.gate
}

func newFakeMode(id ID, log *callLog) *fakeMode {
	return &fakeMode{id: id, log: log, state: []byte(`{"mode":"` + string(id) + `"}`)}
}

func (m *fakeMode) Init(context.Context) error {
	m.log.add("%s.init", m.id)
	m.wait(StepInit)
	if m.initErr != nil {
		return m.initErr
	}
	m.initialized = true
	return nil
}

func (m *fakeMode) Initialized() bool { return m.initialized }

func (m *fakeMode) Activate(_ context.Context, opts ActivateOptions) error {
	m.log.add("%s.activate", m.id)
	m.wait(StepActivate)
	if m.activatePanic {
		panic("activate exploded")
	}
	if m.activateFailures > 0 {
		m.activateFailures--
		return fmt.Errorf("activate %s", m.id)
	}
	return m.activateErr
}

func (m *fakeMode) Deactivate(context.Context) error {
	m.log.add("%s.deactivate", m.id)
	return m.deactivateErr
}

func (m *fakeMode) State() ([]byte, error) {
	m.log.add("%s.state", m.id)
	if m.stateErr != nil {
		return nil, m.stateErr
	}
	return append([]byte(nil), m.state...), nil
}

func (m *fakeMode) SetState(blob []byte) error {
	m.log.add("%s.set_state", m.id)
	m.applied = append(m.applied, append([]byte(nil), blob...))
	return nil
}

type fakeUI struct {
	log *callLog

	fadeOutErr error
	fadeInErr  error

	// When gate is set FadeOutMode signals entered and blocks until the
	// gate closes or the context is cancelled.
	gate    chan struct{}
	entered chan struct{}
}

func (u *fakeUI) FadeOutMode(ctx context.Context, id ID, _ time.Duration) error {
	u.log.add("ui.fade_out %s", id)
	if u.gate != nil {
		if u.entered != nil {
			close(u.entered)
			u.entered = nil
		}
		select {
		case <-u.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return u.fadeOutErr
}

func (u *fakeUI) FadeInMode(_ context.Context, id ID, _ time.Duration) error {
	u.log.add("ui.fade_in %s", id)
	return u.fadeInErr
}

func (u *fakeUI) ShowModeUI(id ID) { u.log.add("ui.show %s", id) }
func (u *fakeUI) HideModeUI(id ID) { u.log.add("ui.hide %s", id) }
func (u *fakeUI) ResetFade()       { u.log.add("ui.reset_fade") }

type fakeAudio struct {
	log        *callLog
	prepareErr error
}

func (a *fakeAudio) PrepareTransition(context.Context, time.Duration) error {
	a.log.add("audio.prepare")
	return a.prepareErr
}

func (a *fakeAudio) CompleteTransition(context.Context) error {
	a.log.add("audio.complete")
	return nil
}

func (a *fakeAudio) AbortTransition(context.Context) error {
	a.log.add("audio.abort")
	return nil
}

func (a *fakeAudio) DiagnosticState() any { return "diag" }

type fakeStore struct {
	log   *callLog
	mu    sync.Mutex
	blobs map[string][]byte

	setErr error
	getErr error
}

func newFakeStore(log *callLog) *fakeStore {
	return &fakeStore{log: log, blobs: map[string][]byte{}}
}

func (s *fakeStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s.getErr != nil {
		return nil, false, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blobs[key]
	return b, ok, nil
}

func (s *fakeStore) Set(_ context.Context, key string, blob []byte) error {
	s.log.add("store.set %s", key)
	if s.setErr != nil {
		return s.setErr
	}
	s.mu.Lock()
	s.blobs[key] = blob
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) Remove(_ context.Context, key string) error {
	s.log.add("store.remove %s", key)
	s.mu.Lock()
	delete(s.blobs, key)
	s.mu.Unlock()
	return nil
}

// harness wires an orchestrator to fakes for both modes.
type harness struct {
	log     *callLog
	classic *fakeMode
	combat  *fakeMode
	ui      *fakeUI
	audio   *fakeAudio
	store   *fakeStore
	orch    *Orchestrator
}

func newHarness(opts ...Option) *harness {
	log := &callLog{}
	h := &harness{
		log:     log,
		classic: newFakeMode(Classic, log),
		combat:  newFakeMode(Combat, log),
		ui:      &fakeUI{log: log},
		audio:   &fakeAudio{log: log},
		store:   newFakeStore(log),
	}
	reg := NewRegistry()
	_ = reg.Register(Classic, h.classic)
	_ = reg.Register(Combat, h.combat)
	base := []Option{
		WithStore(h.store),
		WithUI(h.ui),
		WithAudio(h.audio),
		WithLogger(discardLogger()),
	}
	h.orch = NewOrchestrator(reg, append(base, opts...)...)
	return h
}

// startIn switches to id and clears the call log.
func (h *harness) startIn(id ID) {
	if !h.orch.SwitchMode(context.Background(), id, DefaultSwitchOptions()) {
		panic("harness: initial switch failed: " + fmt.Sprint(h.orch.LastError()))
	}
	h.log.mu.Lock()
	h.log.calls = nil
	h.log.mu.Unlock()
}
