// Package cmd defines and implements the CLI commands for the digwatch executable.
//
// Architecture overview:
//   - Ingestion: `ingest` (or the nightly cron job) walks the listing through a
//     colly session that carries the ASP.NET postback state from page to page,
//     geocodes new notices through a bounded, rate-limited lookup client and
//     writes them to the notice store in batched transactions.
//   - Alerts: `serve` accepts WebSocket clients keyed by external_id, and the
//     sweep job matches each connected user's saved places and routes against
//     the notices active today, pushing one alert message per user.
//   - Stores: Postgres via pgx when db.dsn is set, otherwise in-memory stores
//     suitable for local runs and tests. `migrate` applies the schema.
//
// Quick checklist:
//   - Configure env vars: DIGWATCH_DB_DSN, DIGWATCH_GEOCODE_BASE_URL,
//     DIGWATCH_AUTH_ENABLED and DIGWATCH_AUTH_API_KEY, DIGWATCH_SERVER_PORT.
//   - Run locally: go run . serve --config config.yaml (or rely on env overrides).
package cmd
