// Package config handles configuration loading for switchboard.
//
// # Overview
//
// Configuration comes from a YAML file with environment variable expansion,
// duration parsing, and validation. Defaults cover every field, so a missing
// config file still yields a working single-node switchboard.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SWITCHBOARD_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/switchboard/config.yaml
//  3. ~/.config/switchboard/config.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	server:
//	  http_addr: "${SWITCHBOARD_ADDR}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	sessions:
//	  ttl: "24h"
//	registry:
//	  fetch_timeout: "5s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  shutdown_grace: "10s"
//
// Capability registry:
//
//	registry:
//	  fetch_timeout: "5s"
//
// Routing:
//
//	routing:
//	  confidence_threshold: 0.3
//	  worker:
//	    connect_timeout: "10s"
//	    response_header_timeout: "30s"
//	  breaker:
//	    max_failures: 5
//	    timeout: "30s"
//	    interval: "60s"
//
// Sessions:
//
//	sessions:
//	  ttl: "24h"
//	  sweep_schedule: "@every 10m"
//	  max_response_context_chars: 150
//
// Startup agents:
//
//	agents:
//	  - endpoint: "http://localhost:8101"
//	  - endpoint: "http://localhost:8102"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json, color
//
// Tracing:
//
//	tracing:
//	  enabled: false
//	  exporter: "noop"  # noop, stdout
//
// # Validation
//
// Load() validates:
//
//   - HTTP address presence
//   - Confidence threshold range (0 to 1)
//   - Startup agent endpoint presence
//   - Logging level and format values
//   - Duration format validity
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("/etc/switchboard/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Or start from defaults:
//
//	cfg := config.Default()
package config
