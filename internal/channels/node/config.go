package node

// Config holds the paired-node bridge channel configuration.
type Config struct {
	Enabled   bool `toml:"enabled" json:"enabled"`
	Port      int  `toml:"port" json:"port"`
	Advertise bool `toml:"advertise" json:"advertise"`
}
