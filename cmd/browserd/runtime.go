package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"browserd/internal/browser"
	"browserd/internal/config"
	"browserd/internal/gate"
	"browserd/internal/inject"
	"browserd/internal/pool"
	"browserd/internal/profile"
	"browserd/internal/snapshot"
)

// runtime wires the configured components together: profile store, safety
// gate, injection engine, snapshot store, and the pool with its launcher.
type runtime struct {
	profiles  *profile.Store
	gate      *gate.Gate
	engine    *inject.Engine
	snapshots *snapshot.Store
	pool      *pool.Pool
	watcher   *config.Watcher
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	rt := &runtime{}

	var err error
	rt.profiles, err = profile.NewStore(cfg.Profiles.Root, logger)
	if err != nil {
		return nil, err
	}
	rt.snapshots, err = snapshot.NewStore(cfg.Snapshots.Root, logger)
	if err != nil {
		return nil, err
	}

	rt.gate, err = gate.New(gate.Config{
		Enforce:           cfg.Gate.Enforce,
		WarningsAreErrors: cfg.Gate.WarningsAreErrors,
	}, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Gate.PatternFile != "" {
		if err := rt.gate.LoadFile(cfg.Gate.PatternFile); err != nil {
			return nil, err
		}
		if cfg.Gate.WatchPatternFile {
			rt.watcher, err = config.Watch(cfg.Gate.PatternFile, rt.gate.LoadFile, logger)
			if err != nil {
				return nil, err
			}
		}
	}

	if cfg.Inject.Enabled {
		persona, err := loadPersona(cfg.Inject.PersonaFile)
		if err != nil {
			return nil, err
		}
		rt.engine, err = inject.NewEngine(persona, logger)
		if err != nil {
			return nil, err
		}
	}

	var armer pool.Armer
	if rt.engine != nil {
		armer = rt.engine
	}
	rt.pool, err = pool.New(pool.Config{
		MinInstances:        cfg.Pool.MinInstances,
		MaxInstances:        cfg.Pool.MaxInstances,
		WarmTarget:          cfg.Pool.WarmTarget,
		InstanceTTL:         cfg.Pool.InstanceTTLDuration(),
		HealthCheckInterval: cfg.Pool.HealthCheckIntervalDuration(),
		QueueEnabled:        cfg.Pool.QueueEnabled,
		QueueTimeout:        cfg.Pool.QueueTimeoutDuration(),
	}, rt.launcher(cfg), armer, logger)
	if err != nil {
		return nil, err
	}
	if rt.engine != nil {
		rt.pool.OnRetire = func(h *browser.Handle) { rt.engine.Disarm(h.ID()) }
	}
	return rt, nil
}

// launcher resolves the profile directory and builds browser options from
// the configuration. The profile in-use reference is released by the handle
// on termination.
func (rt *runtime) launcher(cfg *config.Config) pool.Launcher {
	return func(ctx context.Context, profileName string) (*browser.Handle, error) {
		opts := browser.Options{
			Profile:             profileName,
			BinPath:             cfg.Browser.BinPath,
			Headless:            cfg.Browser.Headless,
			ViewportWidth:       cfg.Browser.ViewportWidth,
			ViewportHeight:      cfg.Browser.ViewportHeight,
			UserAgent:           cfg.Browser.UserAgent,
			NavigationTimeoutMs: int(cfg.Browser.NavigationTimeoutDuration() / time.Millisecond),
			TerminateGraceMs:    int(cfg.Browser.TerminateGraceDuration() / time.Millisecond),
			Logger:              logger,
		}
		if profileName != "" {
			dir, err := rt.profiles.Ensure(profileName)
			if err != nil {
				return nil, err
			}
			opts.ProfileDir = dir
			opts.ReleaseProfile = rt.profiles.Acquire(profileName)
		}
		h, err := browser.Launch(ctx, opts)
		if err != nil {
			if opts.ReleaseProfile != nil {
				opts.ReleaseProfile()
			}
			return nil, err
		}
		return h, nil
	}
}

func loadPersona(path string) (inject.Persona, error) {
	if path == "" {
		return inject.Persona{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return inject.Persona{}, fmt.Errorf("read persona: %w", err)
	}
	var p inject.Persona
	if err := json.Unmarshal(data, &p); err != nil {
		return inject.Persona{}, fmt.Errorf("parse persona %s: %w", path, err)
	}
	return p, nil
}

// close tears the runtime down in dependency order.
func (rt *runtime) close(ctx context.Context) error {
	var firstErr error
	if rt.pool != nil {
		if err := rt.pool.Close(ctx); err != nil {
			firstErr = err
		}
	}
	if rt.watcher != nil {
		if err := rt.watcher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
