package deploy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DevConfigFile takes priority over ConfigFile when both exist.
	DevConfigFile = "dev.config.yml"
	// ConfigFile is the production configuration file name.
	ConfigFile = "config.yml"

	defaultSSHPort        = 22
	defaultRetryAttempts  = 3
	defaultRetryDelay     = 5 * time.Second
	defaultConnectTimeout = 30 * time.Second
	defaultChunkSize      = 32 * 1024
)

// ProxyKind selects how the proxy tunnel towards the remote host is built.
type ProxyKind string

const (
	// ProxyAuto tries SOCKS5 first and falls back to HTTP CONNECT.
	ProxyAuto ProxyKind = "auto"
	// ProxySOCKS5 tunnels through a SOCKS5 proxy.
	ProxySOCKS5 ProxyKind = "socks5"
	// ProxyHTTPConnect tunnels through an HTTP CONNECT proxy.
	ProxyHTTPConnect ProxyKind = "http"
)

// Valid returns whether the proxy kind is supported.
func (k ProxyKind) Valid() bool {
	return k == ProxyAuto || k == ProxySOCKS5 || k == ProxyHTTPConnect
}

// Proxy describes an optional proxy hop in front of the remote host.
type Proxy struct {
	Host     string
	Port     int
	Username string
	Password string
	Kind     ProxyKind
}

// Address returns the host:port address of the proxy.
func (p *Proxy) Address() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Connection describes how to reach and authenticate against the remote host.
type Connection struct {
	Host           string
	Port           int
	Username       string
	Password       string
	PrivateKeyPath string
	Proxy          *Proxy
	ConnectTimeout time.Duration
}

// Address returns the host:port address of the remote host.
func (c *Connection) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Options are the per-job sync options.
type Options struct {
	Format           ArchiveFormat
	VerifyChecksum   bool
	RetryAttempts    int
	RetryDelay       time.Duration
	ChunkSize        int
	DeleteBeforeSync bool
	BandwidthLimit   int64
}

// SyncJob is the fully resolved, immutable input to the sync engine,
// constructed by the configuration/CLI layer.
type SyncJob struct {
	LocalRoot  string
	RemoteRoot string
	Connection Connection
	Options    Options
}

// Config is the YAML configuration of the deploy tool. The key layout is kept
// compatible with existing config.yml files of the original tool.
type Config struct {
	SSH     SSHConfig     `json:"ssh" yaml:"ssh"`
	Paths   PathsConfig   `json:"paths" yaml:"paths"`
	Deploy  DeployConfig  `json:"deploy" yaml:"deploy"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Status  StatusConfig  `json:"status" yaml:"status"`
}

type SSHConfig struct {
	Hostname string       `json:"hostname" yaml:"hostname"`
	Port     int          `json:"port" yaml:"port"`
	Username string       `json:"username" yaml:"username"`
	Password string       `json:"password" yaml:"password"`
	KeyFile  string       `json:"key_file" yaml:"key_file"`
	Proxy    *ProxyConfig `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

type ProxyConfig struct {
	Hostname string `json:"hostname" yaml:"hostname"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	Type     string `json:"type" yaml:"type"`
}

type PathsConfig struct {
	Local  string `json:"local" yaml:"local"`
	Remote string `json:"remote" yaml:"remote"`
}

type DeployConfig struct {
	CompressionFormat string `json:"compression_format" yaml:"compression_format"`
	ChecksumVerify    bool   `json:"checksum_verify" yaml:"checksum_verify"`
	RetryAttempts     int    `json:"retry_attempts" yaml:"retry_attempts"`
	RetryDelaySeconds int    `json:"retry_delay" yaml:"retry_delay"`
	ChunkSize         int    `json:"chunk_size" yaml:"chunk_size"`
	DeleteBeforeSync  bool   `json:"delete_before_sync" yaml:"delete_before_sync"`
	BandwidthLimit    int64  `json:"bandwidth_limit" yaml:"bandwidth_limit"`
}

type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`
	File  string `json:"file" yaml:"file"`
}

type StatusConfig struct {
	Enabled    bool     `json:"enabled" yaml:"enabled"`
	Host       string   `json:"host" yaml:"host"`
	Port       int      `json:"port" yaml:"port"`
	AuthTokens []string `json:"auth_tokens" yaml:"auth_tokens"`
}

// ApplyDefaults sets all config values to their defaults (if they have one)
func (c *Config) ApplyDefaults() {
	c.SSH.Port = defaultSSHPort
	c.Deploy.CompressionFormat = string(FormatTarGz)
	c.Deploy.ChecksumVerify = true
	c.Deploy.RetryAttempts = defaultRetryAttempts
	c.Deploy.RetryDelaySeconds = int(defaultRetryDelay / time.Second)
	c.Deploy.ChunkSize = defaultChunkSize
	c.Logging.Level = "INFO"
	c.Status.Host = "127.0.0.1"
}

// ResolveConfigFile determines which configuration file to use. An explicitly
// given path always wins; otherwise the development config takes priority
// over the production one.
func ResolveConfigFile(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if _, err := os.Stat(DevConfigFile); err == nil {
		return DevConfigFile, nil
	}
	if _, err := os.Stat(ConfigFile); err == nil {
		return ConfigFile, nil
	}
	return "", fmt.Errorf("no configuration file found, create %s or %s", ConfigFile, DevConfigFile)
}

// LoadConfig reads and parses the YAML configuration at path, applying
// defaults for all values the file does not set.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading configuration file %s: %w", path, err)
	}

	conf := &Config{}
	conf.ApplyDefaults()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("error parsing configuration file %s: %w", path, err)
	}
	return conf, nil
}

// JobOverrides are the optional command line overrides applied on top of the
// configuration when building a SyncJob.
type JobOverrides struct {
	LocalRoot  string
	RemoteRoot string
	// Delete overrides deploy.delete_before_sync when non-nil.
	Delete *bool
}

// Job builds a validated SyncJob from the configuration and overrides.
func (c *Config) Job(overrides JobOverrides) (SyncJob, error) {
	localRoot := overrides.LocalRoot
	if localRoot == "" {
		localRoot = c.Paths.Local
	}
	remoteRoot := overrides.RemoteRoot
	if remoteRoot == "" {
		remoteRoot = c.Paths.Remote
	}

	if localRoot == "" {
		return SyncJob{}, errors.New("local path not provided via CLI or config")
	}
	if remoteRoot == "" {
		return SyncJob{}, errors.New("remote path not provided via CLI or config")
	}
	localRoot = ExpandUser(localRoot)
	if info, err := os.Stat(localRoot); err != nil || !info.IsDir() {
		return SyncJob{}, fmt.Errorf("local path is not an existing directory: %s", localRoot)
	}

	if c.SSH.Hostname == "" {
		return SyncJob{}, errors.New("ssh.hostname is required")
	}
	if c.SSH.Username == "" {
		return SyncJob{}, errors.New("ssh.username is required")
	}

	format := ArchiveFormat(c.Deploy.CompressionFormat)
	if !format.Valid() {
		return SyncJob{}, fmt.Errorf("unsupported compression format: %s", c.Deploy.CompressionFormat)
	}

	conn := Connection{
		Host:           c.SSH.Hostname,
		Port:           c.SSH.Port,
		Username:       c.SSH.Username,
		Password:       c.SSH.Password,
		PrivateKeyPath: ExpandUser(c.SSH.KeyFile),
		ConnectTimeout: defaultConnectTimeout,
	}
	if c.SSH.Proxy != nil && c.SSH.Proxy.Hostname != "" {
		kind := ProxyKind(strings.ToLower(c.SSH.Proxy.Type))
		if kind == "" {
			kind = ProxyAuto
		}
		if !kind.Valid() {
			return SyncJob{}, fmt.Errorf("unsupported proxy type: %s", c.SSH.Proxy.Type)
		}
		conn.Proxy = &Proxy{
			Host:     c.SSH.Proxy.Hostname,
			Port:     c.SSH.Proxy.Port,
			Username: c.SSH.Proxy.Username,
			Password: c.SSH.Proxy.Password,
			Kind:     kind,
		}
	}

	deleteBefore := c.Deploy.DeleteBeforeSync
	if overrides.Delete != nil {
		deleteBefore = *overrides.Delete
	}

	return SyncJob{
		LocalRoot:  localRoot,
		RemoteRoot: remoteRoot,
		Connection: conn,
		Options: Options{
			Format:           format,
			VerifyChecksum:   c.Deploy.ChecksumVerify,
			RetryAttempts:    c.Deploy.RetryAttempts,
			RetryDelay:       time.Duration(c.Deploy.RetryDelaySeconds) * time.Second,
			ChunkSize:        c.Deploy.ChunkSize,
			DeleteBeforeSync: deleteBefore,
			BandwidthLimit:   c.Deploy.BandwidthLimit,
		},
	}, nil
}

// ExpandUser replaces a leading ~ with the current user's home directory.
func ExpandUser(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}
