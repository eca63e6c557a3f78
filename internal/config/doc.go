// Package config defines configuration for the ordersync CLI.
//
// Configuration can be provided via:
//   - Command-line flags
//   - Environment variables (ORDERSYNC_ prefix), optionally from a .env file
//   - YAML configuration file
//
// Sources are applied in that order of precedence, flags winning: Default,
// then LoadFromFile, then LoadFromEnv, then Merge with the flags, then
// Validate.
//
// # Example
//
//	api_key: "..."
//	orders: [global-temp, uk-wind]
//	runs: latest
//	workers: 8
//	location: /data/ordersync
//	state_url: s3://ordersync-state?region=eu-west-2
//	retry:
//	  enabled: true
//	  delay: 30s
//	monitor:
//	  grace_period: 45s
package config
