// Package config handles configuration loading for tarsy-console.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	backend:
//	  token: "${TARSY_API_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	stream:
//	  ping_interval: "30s"
//	  reconnect_min: "1s"
//	  reconnect_max: "30s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Backend API:
//
//	backend:
//	  base_url: "https://tarsy.example.com"
//	  token: "${TARSY_API_TOKEN}"
//
// Event stream (defaults derived from backend.base_url when omitted):
//
//	stream:
//	  url: "wss://tarsy.example.com/ws"
//	  dial_attempts: 5
//	  ping_interval: "30s"
//	  reconnect_min: "1s"
//	  reconnect_max: "30s"
//
// Local event journal:
//
//	journal:
//	  enabled: true
//	  path: "/var/lib/tarsy-console/events.db"
//
// Chat:
//
//	chat:
//	  author: "oncall"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
