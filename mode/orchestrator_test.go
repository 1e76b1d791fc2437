package mode

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestSwitchModeFromIdle(t *testing.T) {
	h := newHarness()

	if !h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) {
		t.Fatalf("switch to combat failed: %v", h.orch.LastError())
	}

	want := []string{
		"audio.prepare",
		"combat.init",
		"combat.activate",
		"ui.show combat",
		"ui.fade_in combat",
		"audio.complete",
	}
	if got := h.log.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls:\n got %q\nwant %q", got, want)
	}
	if h.log.has("ui.fade_out") {
		t.Fatalf("fade out should be skipped when no mode is current")
	}

	rec := h.orch.Record()
	if rec.Current != Combat || rec.Previous != None || rec.Transitioning {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSwitchModeStepOrder(t *testing.T) {
	h := newHarness()
	h.startIn(Classic)

	if !h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) {
		t.Fatalf("switch failed: %v", h.orch.LastError())
	}

	want := []string{
		"ui.fade_out classic",
		"audio.prepare",
		"classic.state",
		"store.set gamestate_classic",
		"classic.deactivate",
		"ui.hide classic",
		"combat.init",
		"combat.activate",
		"ui.show combat",
		"ui.fade_in combat",
		"audio.complete",
	}
	if got := h.log.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls:\n got %q\nwant %q", got, want)
	}

	rec := h.orch.Record()
	if rec.Current != Combat || rec.Previous != Classic || rec.Transitioning {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSwitchModeDistinctPairs(t *testing.T) {
	cases := []struct {
		name     string
		from, to ID
	}{
		{"classic_to_combat", Classic, Combat},
		{"combat_to_classic", Combat, Classic},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness()
			h.startIn(c.from)
			if !h.orch.SwitchMode(context.Background(), c.to, DefaultSwitchOptions()) {
				t.Fatalf("switch failed: %v", h.orch.LastError())
			}
			if got := h.orch.Current(); got != c.to {
				t.Fatalf("expected current %s, got %s", c.to, got)
			}
			if h.orch.State() != Idle {
				t.Fatalf("expected idle after switch")
			}
		})
	}
}

func TestSwitchBackDoesNotReinit(t *testing.T) {
	h := newHarness()
	h.startIn(Classic)

	ctx := context.Background()
	if !h.orch.SwitchMode(ctx, Combat, DefaultSwitchOptions()) {
		t.Fatalf("switch to combat failed")
	}
	if !h.orch.SwitchMode(ctx, Classic, DefaultSwitchOptions()) {
		t.Fatalf("switch back to classic failed")
	}

	if n := h.log.count("classic.init"); n != 0 {
		t.Fatalf("classic re-initialized %d times", n)
	}
	if n := h.log.count("classic.activate"); n != 1 {
		t.Fatalf("expected classic.activate once after reset, got %d", n)
	}
}

func TestSwitchToCurrentIsNoop(t *testing.T) {
	h := newHarness()
	h.startIn(Classic)

	if !h.orch.SwitchMode(context.Background(), Classic, DefaultSwitchOptions()) {
		t.Fatalf("no-op switch should succeed")
	}
	if calls := h.log.list(); len(calls) != 0 {
		t.Fatalf("no-op switch invoked hooks: %q", calls)
	}
}

func TestSwitchModeRejectsUnknown(t *testing.T) {
	cases := []struct {
		name   string
		target ID
	}{
		{"not_in_closed_set", ID("racing")},
		{"none", None},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness()
			if h.orch.SwitchMode(context.Background(), c.target, DefaultSwitchOptions()) {
				t.Fatalf("switch to %q should fail", c.target)
			}
			if !errors.Is(h.orch.LastError(), ErrUnknownMode) {
				t.Fatalf("expected ErrUnknownMode, got %v", h.orch.LastError())
			}
			if IsRetryable(h.orch.LastError()) {
				t.Fatalf("unknown mode must not be retryable")
			}
			if calls := h.log.list(); len(calls) != 0 {
				t.Fatalf("rejected switch invoked hooks: %q", calls)
			}
		})
	}

	t.Run("valid_but_unregistered", func(t *testing.T) {
		reg := NewRegistry()
		_ = reg.Register(Classic, newFakeMode(Classic, &callLog{}))
		o := NewOrchestrator(reg, WithLogger(discardLogger()))
		if o.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) {
			t.Fatalf("switch to unregistered mode should fail")
		}
		if o.CanSwitchTo(Combat) {
			t.Fatalf("CanSwitchTo should be false for unregistered mode")
		}
	})
}

func TestSwitchModeRejectedWhileTransitioning(t *testing.T) {
	h := newHarness()
	h.startIn(Classic)

	gate := make(chan struct{})
	entered := make(chan struct{})
	h.ui.gate = gate
	h.ui.entered = entered

	ctx := context.Background()
	done := make(chan bool, 1)
	go func() { done <- h.orch.SwitchMode(ctx, Combat, DefaultSwitchOptions()) }()
	<-entered

	before := h.orch.Record()
	if !before.Transitioning {
		t.Fatalf("expected transitioning record, got %+v", before)
	}
	if h.orch.SwitchMode(ctx, Combat, DefaultSwitchOptions()) {
		t.Fatalf("second switch should be rejected")
	}
	if h.orch.SwitchMode(ctx, Classic, DefaultSwitchOptions()) {
		t.Fatalf("switch to current mode should be rejected while transitioning")
	}
	if after := h.orch.Record(); after != before {
		t.Fatalf("rejected switch changed record: before %+v after %+v", before, after)
	}
	if !IsRetryable(h.orch.LastError()) {
		t.Fatalf("expected retryable error, got %v", h.orch.LastError())
	}
	if h.orch.CanSwitchTo(Combat) {
		t.Fatalf("CanSwitchTo should be false while transitioning")
	}

	close(gate)
	if ok := <-done; !ok {
		t.Fatalf("first switch failed: %v", h.orch.LastError())
	}
	if got := h.orch.Current(); got != Combat {
		t.Fatalf("expected combat, got %s", got)
	}
}

func TestConcurrentSwitchesAdmitOne(t *testing.T) {
	h := newHarness()
	h.startIn(Classic)

	gate := make(chan struct{})
	h.ui.gate = gate
	h.ui.entered = make(chan struct{})

	const callers = 8
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		go func() { results <- h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) }()
	}

	for i := 0; i < callers-1; i++ {
		if <-results {
			t.Fatalf("only the admitted switch may succeed")
		}
	}
	close(gate)
	if !<-results {
		t.Fatalf("admitted switch failed: %v", h.orch.LastError())
	}
	if n := h.log.count("combat.activate"); n != 1 {
		t.Fatalf("expected one activation, got %d", n)
	}
}

func TestSwitchModeFadeOutFailure(t *testing.T) {
	h := newHarness()
	h.startIn(Classic)
	h.ui.fadeOutErr = errors.New("fade broke")

	if h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) {
		t.Fatalf("switch should fail when fade out fails")
	}

	rec := h.orch.Record()
	if rec.Transitioning {
		t.Fatalf("expected idle after failure")
	}
	if rec.Current != Classic {
		t.Fatalf("expected classic to stay current, got %s", rec.Current)
	}
	if !errors.Is(h.orch.LastError(), ErrHook) {
		t.Fatalf("expected hook failure, got %v", h.orch.LastError())
	}
	var te *TransitionError
	if !errors.As(h.orch.LastError(), &te) || te.Step != StepFadeOut {
		t.Fatalf("expected fade_out step error, got %v", h.orch.LastError())
	}
	if h.log.has("classic.deactivate") || h.log.has("combat.activate") {
		t.Fatalf("no lifecycle calls expected after fade out failure: %q", h.log.list())
	}
}

func TestSwitchModeAudioPrepareFailure(t *testing.T) {
	h := newHarness()
	h.startIn(Classic)
	h.audio.prepareErr = errors.New("ramp failed")

	if h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) {
		t.Fatalf("switch should fail when audio prepare fails")
	}
	if got := h.orch.Current(); got != Classic {
		t.Fatalf("expected classic, got %s", got)
	}
}

func TestSwitchModeCosmeticFailuresAreLogged(t *testing.T) {
	h := newHarness()
	h.startIn(Classic)
	h.ui.fadeInErr = errors.New("fade in broke")

	if !h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) {
		t.Fatalf("fade in failure after activation must not fail the switch: %v", h.orch.LastError())
	}
	if got := h.orch.Current(); got != Combat {
		t.Fatalf("expected combat, got %s", got)
	}
}

func TestSwitchModePersistenceFailureIsNonFatal(t *testing.T) {
	t.Run("save", func(t *testing.T) {
		h := newHarness()
		h.startIn(Classic)
		h.store.setErr = errors.New("disk full")

		if !h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) {
			t.Fatalf("persistence failure must not abort the switch")
		}
	})

	t.Run("snapshot", func(t *testing.T) {
		h := newHarness()
		h.startIn(Classic)
		h.classic.stateErr = errors.New("snapshot broke")

		if !h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) {
			t.Fatalf("snapshot failure must not abort the switch")
		}
		if h.log.has("store.set") {
			t.Fatalf("nothing should be persisted when the snapshot fails")
		}
	})

	t.Run("load", func(t *testing.T) {
		h := newHarness()
		h.store.blobs[StateKey(Combat)] = []byte(`{}`)
		h.store.getErr = errors.New("read failed")

		if !h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) {
			t.Fatalf("load failure must not abort the switch")
		}
		if h.log.has("combat.set_state") {
			t.Fatalf("SetState should not run when load fails")
		}
	})
}

func TestSwitchModeRestoresState(t *testing.T) {
	cases := []struct {
		name     string
		restore  bool
		wantSets int
	}{
		{"restore", true, 1},
		{"fresh", false, 0},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness()
			h.startIn(Classic)
			ctx := context.Background()

			if !h.orch.SwitchMode(ctx, Combat, DefaultSwitchOptions()) {
				t.Fatalf("switch to combat failed")
			}
			if !h.orch.SwitchMode(ctx, Classic, SwitchOptions{RestoreState: c.restore}) {
				t.Fatalf("switch back failed")
			}

			if got := len(h.classic.applied); got != c.wantSets {
				t.Fatalf("expected %d SetState calls, got %d", c.wantSets, got)
			}
			if c.wantSets > 0 && string(h.classic.applied[0]) != string(h.classic.state) {
				t.Fatalf("restored %q, want %q", h.classic.applied[0], h.classic.state)
			}
		})
	}
}

func TestResetModeDropsSnapshot(t *testing.T) {
	h := newHarness()
	h.store.blobs[StateKey(Classic)] = []byte(`{"mode":"old"}`)
	ctx := context.Background()

	if err := h.orch.ResetMode(ctx, Classic); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !h.orch.SwitchMode(ctx, Combat, DefaultSwitchOptions()) {
		t.Fatalf("switch to combat failed")
	}
	if !h.orch.SwitchMode(ctx, Classic, DefaultSwitchOptions()) {
		t.Fatalf("switch to classic failed")
	}
	if n := h.log.count("classic.set_state"); n != 0 {
		t.Fatalf("classic.SetState invoked %d times after reset", n)
	}

	if err := h.orch.ResetMode(ctx, ID("racing")); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got %v", err)
	}
}

func TestSwitchModeInitFailure(t *testing.T) {
	cases := []struct {
		name        string
		rollback    bool
		wantCurrent ID
	}{
		{"rollback", true, Classic},
		{"no_rollback", false, None},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(WithRollback(c.rollback))
			h.startIn(Classic)
			h.combat.initErr = errors.New("out of memory")

			if h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) {
				t.Fatalf("switch should fail when init fails")
			}
			rec := h.orch.Record()
			if rec.Transitioning {
				t.Fatalf("expected idle after init failure")
			}
			if rec.Current != c.wantCurrent {
				t.Fatalf("expected current %s, got %s", c.wantCurrent, rec.Current)
			}
			if !errors.Is(h.orch.LastError(), ErrModeInit) {
				t.Fatalf("expected ErrModeInit, got %v", h.orch.LastError())
			}
			if h.log.has("combat.activate") {
				t.Fatalf("combat must not activate after failed init")
			}
			reactivated := h.log.count("classic.activate") == 1
			if reactivated != c.rollback {
				t.Fatalf("classic reactivated=%v, want %v", reactivated, c.rollback)
			}
		})
	}
}

func TestSwitchModeRollbackFailure(t *testing.T) {
	h := newHarness()
	h.startIn(Classic)
	h.combat.initErr = errors.New("boom")
	h.classic.activateFailures = 1

	if h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) {
		t.Fatalf("switch should fail")
	}
	if got := h.orch.Current(); got != None {
		t.Fatalf("expected no current mode after failed rollback, got %s", got)
	}
	if !h.log.has("ui.reset_fade") {
		t.Fatalf("expected fade overlay reset when no mode is left current")
	}
}

func TestSwitchModeRecoversPanics(t *testing.T) {
	h := newHarness()
	h.startIn(Classic)
	h.combat.activatePanic = true

	ok := h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions())
	if ok {
		t.Fatalf("switch should fail when activate panics")
	}
	if !errors.Is(h.orch.LastError(), ErrHook) {
		t.Fatalf("expected hook failure, got %v", h.orch.LastError())
	}
	if got := h.orch.Current(); got != Classic {
		t.Fatalf("expected rollback to classic, got %s", got)
	}
	if !h.log.has("combat.deactivate") {
		t.Fatalf("expected combat to release its claims after failed activation")
	}
}

func TestEmergencyStop(t *testing.T) {
	h := newHarness()
	h.startIn(Classic)

	gate := make(chan struct{})
	entered := make(chan struct{})
	h.ui.gate = gate
	h.ui.entered = entered

	done := make(chan bool, 1)
	go func() { done <- h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) }()
	<-entered

	h.orch.EmergencyStop()
	if h.orch.State() != Idle {
		t.Fatalf("emergency stop should force idle")
	}
	if !h.log.has("ui.reset_fade") {
		t.Fatalf("emergency stop should discard the fade overlay")
	}

	select {
	case ok := <-done:
		if ok {
			t.Fatalf("stopped transition should report failure")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("stopped transition did not return")
	}
	if got := h.orch.Current(); got != Classic {
		t.Fatalf("expected classic to remain current, got %s", got)
	}

	h.ui.gate = nil
	if !h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) {
		t.Fatalf("switch after emergency stop failed: %v", h.orch.LastError())
	}
}

func TestEmergencyStopDuringLifecycleStep(t *testing.T) {
	cases := []struct {
		name      string
		step      Step
		forbidden []string
		undo      bool
	}{
		{
			name:      "init",
			step:      StepInit,
			forbidden: []string{"combat.activate", "ui.show combat", "ui.fade_in", "audio.", "classic.activate", "ui.reset_fade"},
		},
		{
			name:      "activate",
			step:      StepActivate,
			forbidden: []string{"ui.show combat", "ui.fade_in", "audio.", "classic.activate", "ui.reset_fade"},
			undo:      true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness()
			h.startIn(Classic)

			gate := make(chan struct{})
			h.combat.gate = gate
			h.combat.entered = make(chan struct{})
			h.combat.gateStep = c.step
			entered := h.combat.entered

			done := make(chan bool, 1)
			go func() { done <- h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) }()
			<-entered

			h.orch.EmergencyStop()
			mark := len(h.log.list())
			close(gate)

			select {
			case ok := <-done:
				if ok {
					t.Fatalf("stopped transition should report failure")
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("stopped transition did not return")
			}

			after := h.log.list()[mark:]
			for _, call := range after {
				for _, f := range c.forbidden {
					if strings.HasPrefix(call, f) {
						t.Fatalf("stale transition ran %q after the stop: %q", call, after)
					}
				}
			}
			if undone := slices.Contains(after, "combat.deactivate"); undone != c.undo {
				t.Fatalf("combat deactivated=%v, want %v: %q", undone, c.undo, after)
			}

			// Classic was deactivated before the stop and combat never went live.
			rec := h.orch.Record()
			if rec.Transitioning || rec.Current != None {
				t.Fatalf("record = %+v, want idle with no current mode", rec)
			}
			if !errors.Is(h.orch.LastError(), ErrStopped) {
				t.Fatalf("last error = %v, want ErrStopped", h.orch.LastError())
			}

			h.combat.gate = nil
			if !h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) {
				t.Fatalf("switch after stop failed: %v", h.orch.LastError())
			}
		})
	}
}

func TestSwitchModeFailureKeepingPreviousRestoresMusic(t *testing.T) {
	h := newHarness()
	h.startIn(Classic)
	h.classic.deactivateErr = errors.New("save slot busy")

	if h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) {
		t.Fatalf("switch should fail when deactivate fails")
	}
	if got := h.orch.Current(); got != Classic {
		t.Fatalf("expected classic to stay current, got %s", got)
	}
	if h.log.count("audio.abort") != 1 {
		t.Fatalf("expected faded music to be restored: %q", h.log.list())
	}
	if h.log.has("audio.complete") {
		t.Fatalf("complete must not replace abort when the previous mode stays: %q", h.log.list())
	}
}

func TestSetTransitionDurationClamps(t *testing.T) {
	cases := []struct {
		name string
		in   time.Duration
		want time.Duration
	}{
		{"zero", 0, MinTransitionDuration},
		{"below_min", 50 * time.Millisecond, MinTransitionDuration},
		{"in_range", 750 * time.Millisecond, 750 * time.Millisecond},
		{"max", 2 * time.Second, MaxTransitionDuration},
		{"above_max", 5 * time.Second, MaxTransitionDuration},
	}

	o := NewOrchestrator(NewRegistry(), WithLogger(discardLogger()))
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := o.SetTransitionDuration(c.in); got != c.want {
				t.Fatalf("SetTransitionDuration(%v) = %v, want %v", c.in, got, c.want)
			}
			if got := o.TransitionDuration(); got != c.want {
				t.Fatalf("TransitionDuration() = %v, want %v", got, c.want)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	h := newHarness()
	h.startIn(Classic)
	if !h.orch.SwitchMode(context.Background(), Combat, DefaultSwitchOptions()) {
		t.Fatalf("switch failed")
	}

	st := h.orch.Status()
	if st.Current != Combat || st.Previous != Classic || st.Transitioning {
		t.Fatalf("unexpected status %+v", st)
	}
	if !reflect.DeepEqual(st.AvailableModes, []ID{Classic, Combat}) {
		t.Fatalf("unexpected available modes %v", st.AvailableModes)
	}
	want := []SavedState{{Mode: Classic, HasState: true}, {Mode: Combat, HasState: false}}
	if !reflect.DeepEqual(st.SavedStates, want) {
		t.Fatalf("saved states = %+v, want %+v", st.SavedStates, want)
	}
	if st.Audio != "diag" {
		t.Fatalf("expected audio diagnostics, got %v", st.Audio)
	}
}

func TestCanSwitchTo(t *testing.T) {
	h := newHarness()
	h.startIn(Classic)

	cases := []struct {
		id   ID
		want bool
	}{
		{Classic, false},
		{Combat, true},
		{ID("racing"), false},
		{None, false},
	}
	for _, c := range cases {
		if got := h.orch.CanSwitchTo(c.id); got != c.want {
			t.Errorf("CanSwitchTo(%q) = %v, want %v", c.id, got, c.want)
		}
	}
}

func TestRelease(t *testing.T) {
	h := newHarness()
	h.startIn(Classic)

	if !h.orch.Release(context.Background()) {
		t.Fatalf("release failed: %v", h.orch.LastError())
	}
	rec := h.orch.Record()
	if rec.Current != None || rec.Previous != Classic || rec.Transitioning {
		t.Fatalf("unexpected record after release %+v", rec)
	}
	want := []string{"classic.state", "store.set gamestate_classic", "classic.deactivate", "ui.hide classic"}
	if got := h.log.list(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls:\n got %q\nwant %q", got, want)
	}

	// Restart reuses the initialized instance.
	if !h.orch.SwitchMode(context.Background(), Classic, DefaultSwitchOptions()) {
		t.Fatalf("restart failed")
	}
	if h.log.count("classic.init") != 0 {
		t.Fatalf("restart must not re-init")
	}
	if len(h.classic.applied) != 1 {
		t.Fatalf("expected released state to be restored on restart")
	}
}

func TestTransitionEvents(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()
	events, cancel := bus.SubscribeChan(16)
	defer cancel()

	h := newHarness(WithBus(bus))
	if !h.orch.SwitchMode(context.Background(), Classic, DefaultSwitchOptions()) {
		t.Fatalf("switch failed")
	}

	var got []Event
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case evt := <-events:
			got = append(got, evt)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %+v", got)
		}
	}

	if got[0].Type != EventTransitionStarted || got[1].Type != EventTransitionCompleted {
		t.Fatalf("unexpected event types %s, %s", got[0].Type, got[1].Type)
	}
	if got[0].TransitionID == "" || got[0].TransitionID != got[1].TransitionID {
		t.Fatalf("events should share a transition id: %q vs %q", got[0].TransitionID, got[1].TransitionID)
	}
	if got[1].Target != Classic || got[1].Previous != None {
		t.Fatalf("unexpected completion event %+v", got[1])
	}
}
