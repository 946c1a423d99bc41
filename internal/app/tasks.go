package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nevindra/parley"
	"github.com/nevindra/parley/frontend/telegram"
	"github.com/nevindra/parley/marketplace"
	"github.com/nevindra/parley/observer"
)

// buildScheduler scans the preset directory for task declarations, resolves
// their sources and sinks against the configured integrations, and registers
// them with a scheduler. Returns nil when no presets declare tasks.
func (a *App) buildScheduler(ctx context.Context, presets parley.PresetSource, tracer parley.Tracer, inst *observer.Instruments) (*parley.TaskScheduler, error) {
	specs, err := a.collectTaskSpecs(presets)
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, nil
	}

	opts := []parley.TaskSchedulerOption{
		parley.WithTaskLogger(a.logger),
		parley.WithTickInterval(time.Duration(a.cfg.Scheduler.TickSeconds) * time.Second),
		parley.WithMaxConcurrent(a.cfg.Scheduler.MaxConcurrent),
	}
	if tracer != nil {
		opts = append(opts, parley.WithTaskTracer(tracer))
	}
	if inst != nil {
		opts = append(opts, parley.WithRunHook(observer.TaskRunHook(inst)))
	}
	scheduler := parley.NewTaskScheduler(a.store, opts...)

	for _, spec := range specs {
		if !spec.IsEnabled() {
			a.logger.Debug("skipping disabled task", "task", spec.ID)
			continue
		}
		task, err := a.resolveTask(spec)
		if err != nil {
			a.logger.Warn("skipping task", "task", spec.ID, "error", err)
			continue
		}
		if err := scheduler.Register(ctx, task); err != nil {
			return nil, fmt.Errorf("register task %q: %w", spec.ID, err)
		}
		a.logger.Info("task registered", "task", spec.ID, "schedule", spec.Schedule.Type+" "+spec.Schedule.Value)
	}

	return scheduler, nil
}

// collectTaskSpecs loads every preset in the configured directory and
// gathers their task declarations.
func (a *App) collectTaskSpecs(presets parley.PresetSource) ([]parley.TaskSpec, error) {
	entries, err := os.ReadDir(a.cfg.Presets.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read presets dir: %w", err)
	}

	var specs []parley.TaskSpec
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		ref := strings.TrimSuffix(e.Name(), ext)
		p, err := presets.Get(ref)
		if err != nil {
			a.logger.Warn("skipping unreadable preset", "preset", ref, "error", err)
			continue
		}
		specs = append(specs, p.Tasks...)
	}
	return specs, nil
}

// resolveTask binds a task spec's source and sink names to configured
// implementations.
func (a *App) resolveTask(spec parley.TaskSpec) (parley.Task, error) {
	cfg, err := parley.TaskConfigFromSpec(spec)
	if err != nil {
		return parley.Task{}, err
	}

	var sources []parley.Source
	usesApify := false
	for _, name := range spec.Sources {
		src, err := a.buildSource(name)
		if err != nil {
			return parley.Task{}, err
		}
		sources = append(sources, src)
		if name == "apify_facebook_marketplace" {
			usesApify = true
		}
	}
	if len(sources) == 0 {
		return parley.Task{}, fmt.Errorf("task declares no usable sources")
	}

	var sinks []parley.Sink
	for _, name := range spec.Sinks {
		sink, err := a.buildSink(name)
		if err != nil {
			return parley.Task{}, err
		}
		sinks = append(sinks, sink)
	}

	var normalize parley.Normalizer = marketplace.UniversalNormalizer{}
	if usesApify {
		normalize = marketplace.FacebookNormalizer{}
	}

	return parley.Task{
		Config:    cfg,
		Sources:   sources,
		Normalize: normalize,
		Process:   parley.DefaultProcessor{},
		Sinks:     sinks,
	}, nil
}

func (a *App) buildSource(name string) (parley.Source, error) {
	switch name {
	case "apify_facebook_marketplace":
		if a.cfg.Apify.Token == "" {
			return nil, fmt.Errorf("apify token not configured")
		}
		var opts []marketplace.ApifyOption
		if a.cfg.Apify.ActorID != "" {
			opts = append(opts, marketplace.WithActorID(a.cfg.Apify.ActorID))
		}
		opts = append(opts, marketplace.WithLogger(a.logger))
		return marketplace.NewApifySource(a.cfg.Apify.Token, opts...)
	default:
		return nil, fmt.Errorf("unknown source %q", name)
	}
}

func (a *App) buildSink(name string) (parley.Sink, error) {
	switch name {
	case "telegram":
		if a.cfg.Telegram.Token == "" || a.cfg.Telegram.ChatID == "" {
			return nil, fmt.Errorf("telegram token and chat_id not configured")
		}
		tg := telegram.NewBot(a.cfg.Telegram.Token, telegram.WithLogger(a.logger))
		return telegram.NewNotifier(tg, a.cfg.Telegram.ChatID, telegram.WithNotifierLogger(a.logger))
	default:
		return nil, fmt.Errorf("unknown sink %q", name)
	}
}
