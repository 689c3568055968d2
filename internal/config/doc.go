// Package config loads the carblau configuration file.
//
// # File Location
//
// DefaultPath resolves, in order: the CARBLAU_CONFIG environment variable,
// $XDG_CONFIG_HOME/carblau/chat.yaml, then ~/.config/carblau/chat.yaml.
// A missing file is not an error for LoadOrDefault.
//
// # Format
//
// Files ending in .toml are TOML; anything else is YAML. Both use the same
// keys:
//
//	agent:
//	  base_url: "https://agent.carblau.example"
//	  token: "${CARBLAU_TOKEN}"
//	  stream: true
//	  timeout: "30s"
//
//	transcript:
//	  driver: "sqlite"        # memory | sqlite | redis
//	  path: "/var/lib/carblau/transcripts.db"
//	  redis_addr: "localhost:6379"
//	  ttl: "168h"
//
//	leads:
//	  dedupe_ttl: "24h"
//	  max_entries: 1000
//
//	logging:
//	  level: "info"           # debug | info | warn | error
//	  format: "text"          # text | json
//
//	fake_agent:
//	  addr: "127.0.0.1:8090"
//	  stream_delay: "150ms"
//
// ${VAR} references are replaced with environment variables before parsing.
// Durations use time.ParseDuration syntax. Empty fields take the Default*
// constants.
package config
