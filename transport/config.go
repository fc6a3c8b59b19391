package transport

import (
	deploy "github.com/rs-cuongph/my-deploy-tool"
)

const defaultChunkSize = 32 * 1024

// Config configures a transport session towards a single remote host.
type Config struct {
	Connection deploy.Connection

	// ChunkSize is the upload chunk size in bytes.
	ChunkSize int
	// SpeedBytesPerSecond throttles uploads, zero means unlimited.
	SpeedBytesPerSecond int64
}

// ApplyDefaults sets all config values to their defaults (if they have one)
func (c *Config) ApplyDefaults() {
	c.ChunkSize = defaultChunkSize
}
