// Package main hosts the harvester service entrypoint.
//
// Architecture overview:
//   - Session: internal/session.Controller drives one long-lived Chrome tab through the e-gazette search form
//     (captcha included) and keeps it between cycles until it goes stale, returns zero rows too often, or a
//     publication minute arrives.
//   - Cycles: internal/orchestrator alternates pages 1 and 2 of the listing, scans each for unseen enterprise
//     codes, and hands them to the download coordinator. State (recent codes, known codes, failed codes, last
//     check) is written after every successful page.
//   - Downloads: internal/download runs a bounded worker pool. Each worker gets an isolated folder (or its own
//     browser) and a pre-allocated file name, clicks the row's control and locates the PDF by snapshot diff,
//     name pattern, or time window. Files are validated with pdfcpu and archived locally or to GCS.
//   - Delivery: internal/delivery sends each file to Telegram and the optional Pub/Sub topic off the critical
//     path. Reports (start, page, failures, stop) flow through the progress hub to the Telegram sink.
//   - Scheduling: continuous mode starts a monitoring session at each start minute and pauses it at the stop
//     window; discrete mode runs one cycle per start minute. Test mode monitors without windows.
//
// Operational notes:
//   - HTTP: /healthz, /readyz, /metrics, GET /v1/status, POST /v1/cycles, GET /v1/codes and /v1/codes/recent.
//   - Shutdown: SIGINT or SIGTERM stops the cycle loop, sends the stop report, drains pending deliveries and
//     flushes the progress hub.
//
// Quick checklist:
//   - Configure env vars: HARVESTER_DELIVERY_TELEGRAM_ENABLED, HARVESTER_DELIVERY_TELEGRAM_BOT_TOKEN,
//     HARVESTER_DELIVERY_TELEGRAM_CHAT_ID, HARVESTER_CAPTCHA_PROVIDER and HARVESTER_CAPTCHA_API_KEY.
//   - Run locally: go run ./cmd/harvester -config config.yaml (or rely solely on env overrides).
package main
