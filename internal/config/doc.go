// Package config handles configuration loading for squadhub.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files (chosen by extension) with
// environment variable expansion. The package provides validation and
// sensible defaults; a sparse file overrides only the fields it sets.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${SQUADHUB_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	hub:
//	  heartbeat_interval: "15s"
//	  send_timeout: "1s"
//	conversations:
//	  timeout: "2m"
//	  follow_up_timeout: "1m"
//	  sweep_interval: "10s"
//
// # Configuration Sections
//
// Server and database:
//
//	server:
//	  http_addr: ":8080"
//	database:
//	  path: "/var/lib/squadhub/squadhub.db"
//
// Hub tuning:
//
//	hub:
//	  queue_size: 100      # per-subscriber buffered envelopes
//	  replay_size: 10      # envelopes replayed on resubscribe
//	  drop_threshold: 25   # drops before a subscriber is force-closed
//
// Logging and metrics:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
