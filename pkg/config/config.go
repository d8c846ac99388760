// Package config loads server and client settings.
//
// Values come from, in increasing order of precedence: defaults, an optional YAML file, and environment
// variables prefixed with REMOTECACHE_ (for example REMOTECACHE_ADDR=0.0.0.0:5000). Command line flags are
// applied on top by the executables.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Tomato6966/remote-sqlite-database/pkg/client"
	"github.com/Tomato6966/remote-sqlite-database/pkg/transport"
)

const (
	EnvPrefix = "REMOTECACHE_"

	DefaultAddr     = "localhost:5000"
	DefaultURL      = "ws://localhost:5000/sync"
	DefaultUsername = "database_cache"
	DefaultName     = "database"
	DefaultDatabase = "database.sqlite3"
)

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	Name        string `yaml:"name"`
	Database    string `yaml:"database"`
	TLSCertFile string `yaml:"tlsCertFile"`
	TLSKeyFile  string `yaml:"tlsKeyFile"`
	Debug       bool   `yaml:"debug"`
	KeyPathing  bool   `yaml:"keyPathing"`

	// Journal turns on the change history, compacted once it holds JournalMaxChanges commits.
	Journal           bool `yaml:"journal"`
	JournalMaxChanges int  `yaml:"journalMaxChanges"`

	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
	SendQueueSize    int           `yaml:"sendQueueSize"`
	PingInterval     time.Duration `yaml:"pingInterval"`
	PongWait         time.Duration `yaml:"pongWait"`
	WriteTimeout     time.Duration `yaml:"writeTimeout"`
}

type ClientConfig struct {
	URL                string `yaml:"url"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	KeyPathing         bool   `yaml:"keyPathing"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	Reconnect          bool   `yaml:"reconnect"`

	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	ReconnectTimeout time.Duration `yaml:"reconnectTimeout"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
}

func DefaultServerConfig() *ServerConfig {
	settings := transport.DefaultSettings()
	return &ServerConfig{
		Addr:              DefaultAddr,
		Username:          DefaultUsername,
		Name:              DefaultName,
		Database:          DefaultDatabase,
		Journal:           true,
		JournalMaxChanges: 1000,
		SnapshotInterval:  5 * time.Second,
		SendQueueSize:     settings.SendQueueSize,
		PingInterval:      settings.PingInterval,
		PongWait:          settings.PongWait,
		WriteTimeout:      settings.WriteTimeout,
	}
}

func DefaultClientConfig() *ClientConfig {
	settings := transport.DefaultSettings()
	return &ClientConfig{
		URL:              DefaultURL,
		Username:         DefaultUsername,
		Reconnect:        true,
		RequestTimeout:   settings.RequestTimeout,
		ReconnectTimeout: 5 * time.Second,
		HandshakeTimeout: settings.HandshakeTimeout,
	}
}

// LoadServerConfig applies the file at path, when given, and the environment over the defaults.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	env := envReader{}
	env.str("ADDR", &cfg.Addr)
	env.str("USERNAME", &cfg.Username)
	env.str("PASSWORD", &cfg.Password)
	env.str("NAME", &cfg.Name)
	env.str("DATABASE", &cfg.Database)
	env.str("TLS_CERT_FILE", &cfg.TLSCertFile)
	env.str("TLS_KEY_FILE", &cfg.TLSKeyFile)
	env.boolean("DEBUG", &cfg.Debug)
	env.boolean("KEY_PATHING", &cfg.KeyPathing)
	env.boolean("JOURNAL", &cfg.Journal)
	env.integer("JOURNAL_MAX_CHANGES", &cfg.JournalMaxChanges)
	env.duration("SNAPSHOT_INTERVAL", &cfg.SnapshotInterval)
	env.integer("SEND_QUEUE_SIZE", &cfg.SendQueueSize)
	env.duration("PING_INTERVAL", &cfg.PingInterval)
	env.duration("PONG_WAIT", &cfg.PongWait)
	env.duration("WRITE_TIMEOUT", &cfg.WriteTimeout)
	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClientConfig applies the file at path, when given, and the environment over the defaults.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if err := loadFile(path, cfg); err != nil {
		return nil, err
	}
	env := envReader{}
	env.str("URL", &cfg.URL)
	env.str("USERNAME", &cfg.Username)
	env.str("PASSWORD", &cfg.Password)
	env.boolean("KEY_PATHING", &cfg.KeyPathing)
	env.boolean("INSECURE_SKIP_VERIFY", &cfg.InsecureSkipVerify)
	env.boolean("RECONNECT", &cfg.Reconnect)
	env.duration("REQUEST_TIMEOUT", &cfg.RequestTimeout)
	env.duration("RECONNECT_TIMEOUT", &cfg.ReconnectTimeout)
	env.duration("HANDSHAKE_TIMEOUT", &cfg.HandshakeTimeout)
	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, out any) error {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	var errs []error
	if _, port, err := net.SplitHostPort(c.Addr); err != nil || port == "" {
		errs = append(errs, fmt.Errorf("addr %q must be host:port", c.Addr))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("missing username"))
	}
	if c.Password == "" {
		errs = append(errs, errors.New("missing password"))
	}
	if c.Name == "" {
		errs = append(errs, errors.New("missing name"))
	}
	if c.Database == "" {
		errs = append(errs, errors.New("missing database"))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		errs = append(errs, errors.New("tlsCertFile and tlsKeyFile must be set together"))
	}
	if c.SnapshotInterval <= 0 || c.PingInterval <= 0 || c.PongWait <= 0 || c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("intervals and timeouts must be positive"))
	}
	if c.PingInterval >= c.PongWait {
		errs = append(errs, fmt.Errorf("pingInterval %s must be shorter than pongWait %s", c.PingInterval, c.PongWait))
	}
	if c.SendQueueSize <= 0 {
		errs = append(errs, errors.New("sendQueueSize must be positive"))
	}
	if c.Journal && c.JournalMaxChanges <= 0 {
		errs = append(errs, errors.New("journalMaxChanges must be positive"))
	}
	return errors.Join(errs...)
}

func (c *ServerConfig) Credentials() transport.Credentials {
	return transport.Credentials{Identity: c.Username, Secret: c.Password}
}

func (c *ServerConfig) TransportSettings() transport.Settings {
	s := transport.DefaultSettings()
	s.SendQueueSize = c.SendQueueSize
	s.PingInterval = c.PingInterval
	s.PongWait = c.PongWait
	s.WriteTimeout = c.WriteTimeout
	return s
}

func (c *ClientConfig) Validate() error {
	var errs []error
	if u, err := url.Parse(c.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, fmt.Errorf("url %q must be a ws:// or wss:// address", c.URL))
	}
	if c.Username == "" {
		errs = append(errs, errors.New("missing username"))
	}
	if c.Password == "" {
		errs = append(errs, errors.New("missing password"))
	}
	if c.RequestTimeout <= 0 || c.ReconnectTimeout <= 0 || c.HandshakeTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// ClientOptions converts the config into the options the client dials with.
func (c *ClientConfig) ClientOptions() client.Options {
	settings := transport.DefaultSettings()
	settings.RequestTimeout = c.RequestTimeout
	settings.HandshakeTimeout = c.HandshakeTimeout
	opts := client.Options{
		URL:              c.URL,
		Credentials:      transport.Credentials{Identity: c.Username, Secret: c.Password},
		Settings:         settings,
		KeyPathing:       c.KeyPathing,
		Reconnect:        c.Reconnect,
		ReconnectTimeout: c.ReconnectTimeout,
	}
	if c.InsecureSkipVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return opts
}

type envReader struct {
	errs []error
}

func (e *envReader) lookup(name string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + name)
	return v, ok && v != ""
}

func (e *envReader) str(name string, out *string) {
	if v, ok := e.lookup(name); ok {
		*out = v
	}
}

func (e *envReader) boolean(name string, out *bool) {
	if v, ok := e.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*out = b
	}
}

func (e *envReader) integer(name string, out *int) {
	if v, ok := e.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*out = n
	}
}

func (e *envReader) duration(name string, out *time.Duration) {
	if v, ok := e.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			return
		}
		*out = d
	}
}
