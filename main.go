package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/audio"
	flag "github.com/spf13/pflag"

	"github.com/milk9111/skyrunner/app"
	"github.com/milk9111/skyrunner/config"
	"github.com/milk9111/skyrunner/mode"
	"github.com/milk9111/skyrunner/modes/classic"
	"github.com/milk9111/skyrunner/modes/combat"
	"github.com/milk9111/skyrunner/persist"
	"github.com/milk9111/skyrunner/sound"
	"github.com/milk9111/skyrunner/ui"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("skyrunner exited", "err", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("skyrunner", flag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	debug := fs.Bool("debug", false, "Show frame timing")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(flags.Path)
	if err != nil {
		return err
	}
	flags.Apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	var level slog.LevelVar
	level.Set(cfg.SlogLevel())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	mixer := sound.NewMixer(sound.WithLogger(logger))
	screens := ui.NewScreens(ui.NewFader(0), logger)
	game := NewGame(screens, mixer, *debug)

	ctrl := app.New(app.Setup{
		OpenStore: func(context.Context) (app.Store, error) {
			s, err := persist.Open(cfg.Store.Backend, cfg.Store.Path)
			if err != nil {
				return nil, err
			}
			return s, nil
		},
		InitAudio: func(context.Context) (app.Audio, error) {
			actx := audio.NewContext(cfg.Audio.SampleRate)
			n, err := mixer.LoadTracks(actx, trackSpecs(cfg.Audio.Tracks))
			if err != nil {
				return nil, err
			}
			logger.Info("music loaded", "tracks", n, "configured", len(cfg.Audio.Tracks))
			return mixer, nil
		},
		InitUI: func(context.Context) (app.Screens, error) {
			screens.SetMenu(ui.NewModeSelect(func(id mode.ID) {
				if id == mode.Combat {
					game.Dispatch(app.SelectCombat)
					return
				}
				game.Dispatch(app.SelectClassic)
			}))
			return screens, nil
		},
		InitEngine: func(context.Context) (app.Engine, error) {
			return game, nil
		},
		Modes: map[mode.ID]app.Factory{
			mode.Classic: func(d app.Deps) (mode.Mode, error) {
				m := classic.New(d.Music, d.Logger)
				screens.SetHUD(mode.Classic, m.HUD)
				return m, nil
			},
			mode.Combat: func(d app.Deps) (mode.Mode, error) {
				m := combat.New(d.Music, d.Logger)
				screens.SetHUD(mode.Combat, m.HUD)
				return m, nil
			},
		},
		Logger:              logger,
		OrchestratorOptions: []mode.Option{mode.WithTransitionDuration(cfg.TransitionDuration())},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctrl.Startup(ctx); err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logger.Warn("shutdown", "err", err)
		}
	}()
	game.Attach(ctrl.Orchestrator())

	unsubscribe := ctrl.Bus().Subscribe(func(e mode.Event) {
		logger.Debug("transition event", "type", string(e.Type), "transition", e.TransitionID,
			"target", e.Target.String(), "previous", e.Previous.String(), "err", e.Err)
	})
	defer unsubscribe()

	if cfg.TransitionTimeout > 0 {
		go func() {
			if err := ctrl.Watchdog(ctx, cfg.TransitionTimeout); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("watchdog stopped", "err", err)
			}
		}()
	}

	if flags.Path != "" {
		w, err := config.Watch(flags.Path)
		if err != nil {
			logger.Warn("config hot reload disabled", "err", err)
		} else {
			defer w.Close()
			go applyReloads(w, ctrl, &level, logger)
		}
	}

	screens.ShowMenu()
	if cfg.StartMode != "" {
		if err := ctrl.Start(ctx, mode.ID(cfg.StartMode)); err != nil {
			logger.Warn("start mode failed; showing menu", "mode", cfg.StartMode, "err", err)
		}
	}

	ebiten.SetWindowSize(cfg.Window.Width, cfg.Window.Height)
	ebiten.SetWindowTitle(cfg.Window.Title)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)

	if err := ebiten.RunGame(game); err != nil {
		return fmt.Errorf("run game: %w", err)
	}
	return nil
}

func trackSpecs(tracks []config.TrackConfig) []sound.TrackSpec {
	specs := make([]sound.TrackSpec, 0, len(tracks))
	for _, t := range tracks {
		specs = append(specs, sound.TrackSpec{
			Name:   t.Name,
			Path:   t.Path,
			Owner:  mode.ID(t.Owner),
			Volume: t.Volume,
			Loop:   t.Loop,
		})
	}
	return specs
}

// applyReloads applies the settings that can change while the game runs.
func applyReloads(w *config.Watcher, ctrl *app.Controller, level *slog.LevelVar, logger *slog.Logger) {
	configs, errs := w.Configs, w.Errors
	for configs != nil || errs != nil {
		select {
		case cfg, ok := <-configs:
			if !ok {
				configs = nil
				continue
			}
			level.Set(cfg.SlogLevel())
			d, err := ctrl.SetTransitionDuration(cfg.TransitionDuration())
			if err != nil {
				logger.Warn("config reload", "err", err)
				continue
			}
			logger.Info("config reloaded", "transition", d, "log_level", cfg.LogLevel)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("config reload rejected", "err", err)
		}
	}
}
