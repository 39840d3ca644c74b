package main

import (
	"fmt"

	"github.com/banshee-data/splatseq/internal/bootstrap"
	"github.com/banshee-data/splatseq/internal/config"
	"github.com/banshee-data/splatseq/internal/conversion"
	"github.com/banshee-data/splatseq/internal/framecache"
	"github.com/banshee-data/splatseq/internal/framestore"
	"github.com/banshee-data/splatseq/internal/fsutil"
	"github.com/banshee-data/splatseq/internal/playback"
	"github.com/banshee-data/splatseq/internal/sharpexec"
	"github.com/banshee-data/splatseq/internal/timeutil"
)

// sharpModule is the Python module run inside the bootstrapped venv.
const sharpModule = "sharp_video"

// pipeline is a store, cache and player built from one config.
type pipeline struct {
	store  *framestore.Store
	cache  *framecache.Cache
	player *playback.Player
}

func newPipeline(cfg *config.Config, fsys fsutil.FileSystem, clock timeutil.Clock) (*pipeline, error) {
	store := framestore.NewStore(fsys)
	cache := framecache.New(store, framecache.Options{
		BudgetBytes:     cfg.GetCacheBudgetBytes(),
		PrefetchWorkers: cfg.GetPrefetchWorkers(),
		Clock:           clock,
	})
	player, err := playback.New(playback.Options{
		Cache:          cache,
		Source:         store,
		Clock:          clock,
		FPS:            cfg.GetPlaybackFPS(),
		Loop:           cfg.GetLoop(),
		PrefetchWindow: cfg.GetPrefetchWindow(),
	})
	if err != nil {
		return nil, err
	}
	return &pipeline{store: store, cache: cache, player: player}, nil
}

// newEnvironment returns the inference venv described by cfg.
func newEnvironment(cfg *config.Config, dryRun bool) *bootstrap.Environment {
	return &bootstrap.Environment{
		Dir:      cfg.GetVenvDir(),
		Packages: cfg.GetPackages(),
		DryRun:   dryRun,
	}
}

// newInference picks the model backend: the synthetic generator, an
// explicit command, or the sharp module inside the bootstrapped venv.
func newInference(cfg *config.Config, fsys fsutil.FileSystem, synthetic bool, frames int) conversion.Inference {
	if synthetic || cfg.UseSyntheticInference() {
		return &conversion.SyntheticInference{FS: fsys, Frames: frames}
	}
	if cmd := cfg.GetInferenceCommand(); cmd != "" {
		return sharpexec.New(cmd)
	}
	env := newEnvironment(cfg, false)
	return &sharpexec.Inference{
		Command: env.InferenceCommand(sharpModule),
		Prepare: env.Ensure,
	}
}

func parsePolicy(cfg *config.Config, overwrite bool) (conversion.Policy, error) {
	if overwrite {
		return conversion.PolicyOverwrite, nil
	}
	p, err := conversion.ParsePolicy(cfg.GetOverwritePolicy())
	if err != nil {
		return 0, fmt.Errorf("overwrite_policy: %w", err)
	}
	return p, nil
}
