package webchat

// Config holds the built-in WebChat channel configuration.
type Config struct {
	Enabled bool `toml:"enabled" json:"enabled"`
	Port    int  `toml:"port" json:"port"`
}
