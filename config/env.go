package config

import "os"

// Environment variables read by the stagechain command.
const (
	EnvDB       = "STAGECHAIN_DB"        // run store DSN
	EnvDriver   = "STAGECHAIN_DRIVER"    // sqlite | pgx
	EnvLogLevel = "STAGECHAIN_LOG_LEVEL" // debug | info | warn | error
)

// Env returns the value of the environment variable key, or fallback when unset or empty.
func Env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
