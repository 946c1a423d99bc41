// Command parley runs one conversation preset from the terminal, streaming
// the transcript to stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/nevindra/parley"
	"github.com/nevindra/parley/internal/app"
	"github.com/nevindra/parley/store/sqlite"
	"github.com/nevindra/parley/tools/document"
	"github.com/nevindra/parley/tools/search"
	"github.com/nevindra/parley/tools/wolfram"
)

func main() {
	var (
		presetPath = flag.String("preset", "", "preset YAML file (empty = built-in debate preset)")
		topic      = flag.String("topic", "", "override the preset objective")
		rounds     = flag.Int("rounds", 0, "number of rounds (0 = preset default)")
		dbPath     = flag.String("db", "parley.db", "sqlite database path")
		threadID   = flag.String("thread", "", "thread id (empty = generate)")
		resume     = flag.Bool("resume", false, "resume the thread from its checkpoint")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(logger, *presetPath, *topic, *rounds, *dbPath, *threadID, *resume); err != nil {
		fmt.Fprintln(os.Stderr, "parley:", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, presetPath, topic string, rounds int, dbPath, threadID string, resume bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	preset := parley.DefaultPreset()
	if presetPath != "" {
		p, err := parley.LoadPreset(presetPath)
		if err != nil {
			return err
		}
		preset = p
	}
	if topic != "" {
		preset.Objective = topic
	}
	if rounds == 0 {
		rounds = preset.Runtime.Rounds
	}
	if rounds == 0 {
		rounds = 4
	}

	store := sqlite.New(dbPath, sqlite.WithLogger(logger))
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("store init: %w", err)
	}
	defer store.Close()

	tools := parley.NewToolRegistry()
	tools.Add(search.New())
	tools.Add(document.New("."))
	if appID := os.Getenv("PARLEY_WOLFRAM_APP_ID"); appID != "" {
		tools.Add(wolfram.New(appID))
	}

	labOpts := []parley.Option{parley.WithLogger(logger)}
	if threadID != "" {
		labOpts = append(labOpts, parley.WithThreadID(threadID))
	}
	if !resume {
		labOpts = append(labOpts, parley.WithoutResume())
	}

	lab, err := parley.New(ctx, preset, parley.Deps{
		Store:     store,
		Providers: app.BuildProviders(preset, nil),
		Tools:     tools,
	}, labOpts...)
	if err != nil {
		return err
	}

	fmt.Printf("── %s ──\n", preset.Name)
	if preset.Objective != "" {
		fmt.Printf("objective: %s\n\n", preset.Objective)
	}

	events, err := lab.Stream(ctx, rounds)
	if err != nil {
		return err
	}
	for ev := range events {
		printEvent(ev, lab)
	}
	return nil
}

// printEvent renders the events worth showing on a terminal. Transcript
// content is pulled per iteration; low-level events stay quiet.
func printEvent(ev parley.Event, lab *parley.Lab) {
	switch ev.Type {
	case parley.EventIterationComplete:
		for _, e := range lab.History(8) {
			if e.Iter != ev.Iter || e.Content == "" || e.Role == parley.RoleSystem {
				continue
			}
			label := e.AgentID
			if e.Role == parley.RoleModerator {
				label += " (moderator)"
			} else if e.Role == parley.RoleSummarizer {
				label += " (summary)"
			}
			fmt.Printf("[%d] %s:\n%s\n\n", e.Iter, label, e.Content)
		}
	case parley.EventError:
		fmt.Printf("[error] %s\n", ev.Content)
	case parley.EventRunComplete:
		fmt.Println("\n── done ──")
	}
}
