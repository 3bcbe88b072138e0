// Package config loads and validates the server configuration.
//
// Configuration comes from an optional YAML file layered over built-in
// defaults. Command line flags on the serve command override the listen
// address and data directory after loading. Durations are written in Go
// duration syntax ("90s", "20h").
package config
