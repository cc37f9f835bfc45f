// Package config loads the borgmanager configuration.
//
// Values are layered with koanf, later layers winning:
//
//  1. Default()
//  2. an optional YAML file (--config)
//  3. BORGMANAGER_* environment variables, one per key:
//     database.path is BORGMANAGER_DATABASE_PATH and
//     telemetry.logging.level is BORGMANAGER_TELEMETRY_LOGGING_LEVEL
//
// The result is checked with validator struct tags plus a few rules the
// tags cannot express, such as a parseable watch.rescan cron spec.
//
// Example file:
//
//	database:
//	  path: /var/lib/borgmanager/catalog.db
//	  busy_timeout: 10s
//	telemetry:
//	  logging:
//	    level: debug
//	  metrics:
//	    listen_address: ":9310"
//	watch:
//	  patterns: ["*.log"]
//	  rescan: "@hourly"
package config
