// Package main hosts the listing ingestion service entrypoint.
//
// Architecture overview:
//   - Ingestion loop: internal/crawl.Runner walks every configured source each
//     cycle, choosing bulk backfill (concurrent page batches, bulk upserts) for
//     sources that still need their catalog filled, and incremental monitoring
//     (sequential pages with a smart stop once consecutive already-known
//     listings pile up) for sources that are caught up. Monitoring results are
//     reconciled record by record so new listings, price movements, and removed
//     listings turn into events.
//   - Fetch pipeline: internal/fetch.Client paces every request through the
//     pacing controller, resolves an egress route from the pool, rotates user
//     agents, and classifies failures (rate limits, challenge pages, server
//     errors) so both the pool and the pacer can adapt.
//   - Persistence: listings, price history, sources, daily summaries, and
//     durable settings live behind narrow interfaces in internal/ingest, with
//     Postgres (pgx) and in-memory implementations under internal/store.
//   - Fanout: cycle reports are logged and, when configured, published to
//     Pub/Sub; raw pages can be archived to local disk for debugging.
//   - Configuration & plumbing: Viper populates config from env/files; zap
//     provides structured logging; Prometheus metrics are exported on /metrics
//     through the chi-based ops server in internal/api.
//
// Operational notes:
//   - Shutdown is coordinated via context cancellation from main through the
//     runner; the egress pool state and pacing multiplier are persisted so a
//     restart resumes where it left off.
//   - Env overrides use the LISTINGWATCH_ prefix with underscores, e.g.
//     LISTINGWATCH_SERVER_PORT, LISTINGWATCH_DB_BACKEND, LISTINGWATCH_DB_DSN.
//   - Run locally: go run ./cmd/listingwatch -config config.yaml (or rely
//     solely on env overrides).
package main
