// Package config defines the WhatsApp channel configuration.
// Separate package to avoid import cycles with gateway.
package config

// Config holds the WhatsApp channel configuration. Session state (keys,
// device identity) lives in the whatsmeow SQLite store, not in this config.
// No token or credentials needed — pairing is via QR code.
type Config struct {
	Enabled bool `toml:"enabled" json:"enabled"`
}
