// Package parley runs multi-participant conversations ("labs") in which
// model-backed agents, a moderator, a summarizer, and optionally a human user
// take scheduled turns, plus time-triggered data pipelines driven by a
// background task scheduler.
//
// # Quick Start
//
// Load a preset, build the registries, and run a lab:
//
//	preset, _ := parley.LoadPreset("presets/debate.yaml")
//	store := sqlite.New("parley.db")
//	providers := parley.NewProviderRegistry()
//	providers.Add(openaicompat.NewProvider(apiKey, "gpt-4o-mini", baseURL))
//	tools := parley.NewToolRegistry()
//	tools.Add(search.New())
//
//	lab, _ := parley.New(preset, parley.Deps{Store: store, Providers: providers, Tools: tools})
//	events, _ := lab.Stream(ctx, 6)
//	for ev := range events {
//		fmt.Println(ev.Type, ev.AgentID, ev.Content)
//	}
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Node] — a turn-taker in a conversation (agent, moderator, summarizer, user)
//   - [Provider] — LLM backend (single chat call, optional tool schemas)
//   - [Tool] — pluggable capability; calls are metered by per-run and per-iteration budgets
//   - [Store] — append-only transcript, checkpoints, and namespaced key/value state
//   - [TurnScheduler] — picks which nodes fire on each iteration
//   - [Source], [Normalizer], [Processor], [Sink] — stages of a scheduled task pipeline
//   - [Contract] — output validation consulted after each node turn
//
// # Included Implementations
//
// Providers: provider/openaicompat (any OpenAI-compatible chat API).
// Storage: store/sqlite (local), store/postgres (pgx).
// Tools: tools/search, tools/wolfram, tools/document.
// Pipelines: marketplace (Apify source + listing normalizers), frontend/telegram (notifier sink).
//
// See cmd/parley for the preset-runner CLI and cmd/parley-bot for the
// Telegram service that multiplexes conversations through an [Adapter].
package parley
