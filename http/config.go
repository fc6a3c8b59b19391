package http

const defaultHTTPPort = 7655

type Config struct {
	Port                 int      `json:"Port" yaml:"Port"`
	Host                 string   `json:"Host" yaml:"Host"`
	AuthenticationTokens []string `json:"AuthenticationTokens" yaml:"AuthenticationTokens"`
}

// ApplyDefaults sets all config values to their defaults (if they have one)
func (c *Config) ApplyDefaults() {
	c.Host = "127.0.0.1"
	c.Port = defaultHTTPPort
}
