// Package main hosts the lernfeed binary.
//
// Architecture overview:
//   - CLI: Cobra subcommands map one-to-one onto pipeline stages (scrape,
//     content, analyze, clean, enhance) plus feeds management, corpus stats,
//     and a serve mode. Every command builds the application once through a
//     shared PersistentPreRunE hook and tears it down afterwards.
//   - Batch engine: internal/batch runs a single stage over an ordered
//     candidate set with a worker pool, per-domain concurrency caps and
//     pacing, retry with backoff, and a cumulative budget that cuts admission
//     once spent. Ordering pre-passes (round robin, priority round robin,
//     stratified sample) keep runs fair across source domains.
//   - Stages: internal/stages adapts each pipeline step onto the engine.
//     Scrape parses RSS/Atom feeds into article skeletons, content fetches
//     pages (Colly probe with optional Chromedp promotion) and extracts text,
//     and the model stages call the chat-completions API to grade, simplify,
//     and enrich articles for learners.
//   - Persistence & fanout: articles, analyses, cleaned texts, enhancements,
//     and run records live in Postgres (pgx) or in memory; raw HTML snapshots
//     go to the configured blob store (memory/local/GCS). A compact Pub/Sub
//     notification is published per finished run when a topic is configured.
//   - Configuration & plumbing: Viper populates config from file and
//     LERNFEED_* env; zap provides structured logging; progress events flow
//     through a buffered hub into log, store, and Prometheus sinks.
//
// Operational notes:
//   - Stage runs are one-shot and budget-bounded. A run that exhausts its
//     budget records budget_exhausted and skips the remaining candidates
//     rather than failing them; rerunning the stage picks them up.
//   - Serve mode hosts /healthz, /readyz, /metrics, and read-only article and
//     run endpoints, and triggers the scrape stage on an interval. Model
//     stages are never scheduled automatically because they spend money.
//   - Shutdown is coordinated by context cancellation from SIGINT/SIGTERM
//     through the engine to the workers; in-flight items finish or time out.
//
// Quick start:
//   - lernfeed feeds sync              load the configured source list
//   - lernfeed scrape                  discover new articles
//   - lernfeed content --limit 100    fetch and extract article text
//   - lernfeed analyze --budget 0.50  grade difficulty within 50 cents
//   - lernfeed stats                   inspect corpus counters and spend
//   - lernfeed serve                   run the HTTP server and scheduler
package main
