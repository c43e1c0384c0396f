package pgexporter

import (
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pgexporter/pgexporter/internal/bridge"
	"github.com/pgexporter/pgexporter/internal/filter"
	"github.com/pgexporter/pgexporter/internal/http"
	"github.com/pgexporter/pgexporter/internal/log"
	"github.com/pgexporter/pgexporter/internal/management"
	"github.com/pgexporter/pgexporter/internal/store"
	"gopkg.in/yaml.v2"
)

const (
	defaultHost            = "0.0.0.0"
	defaultMetricsPort     = 5001
	defaultBridgePort      = 5002
	defaultManagementPort  = 5003
	defaultBlockingTimeout = 30 * time.Second
	defaultCacheMaxSize    = int64(10 << 20)
	defaultCacheMaxAge     = 60 * time.Second
	defaultServerPort      = 5432
	defaultWorkersFactor   = 2
)

// reserved server names never accepted in the configuration.
var reservedServerNames = map[string]bool{"pgexporter": true, "all": true}

// ServerConfig describes one monitored PostgreSQL server.
type ServerConfig struct {
	Name     string        `yaml:"name"`
	Host     string        `yaml:"host"`
	Port     uint16        `yaml:"port"`
	User     string        `yaml:"user"`
	Database string        `yaml:"database,omitempty"`
	DataDir  string        `yaml:"data_dir,omitempty"`
	WALDir   string        `yaml:"wal_dir,omitempty"`
	TLS      store.TLSSpec `yaml:"tls,omitempty"`
}

// UserConfig is one credential of the credential table.
type UserConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// CacheConfig bounds one artifact cache.
type CacheConfig struct {
	MaxSize int64 `yaml:"max_size,omitempty"` // bytes
	MaxAge  int   `yaml:"max_age,omitempty"`  // seconds
}

// BridgeConfig configures the aggregation bridge.
type BridgeConfig struct {
	Endpoints   []string `yaml:"endpoints,omitempty"`
	MaxSize     int64    `yaml:"max_size,omitempty"`
	JSONMaxSize int64    `yaml:"json_max_size,omitempty"`
	MaxAge      int      `yaml:"max_age,omitempty"`
}

// Config defines application's configuration.
type Config struct {
	Host            string `yaml:"host,omitempty"`
	MetricsPort     int    `yaml:"metrics_port,omitempty"`
	BridgePort      int    `yaml:"bridge_port,omitempty"`
	ManagementPort  int    `yaml:"management_port,omitempty"`
	ManagementSock  string `yaml:"management_socket,omitempty"`
	LogLevel        string `yaml:"log_level,omitempty"`
	BlockingTimeout int    `yaml:"blocking_timeout,omitempty"` // seconds
	Compression     *bool  `yaml:"compression,omitempty"`
	Workers         int    `yaml:"workers,omitempty"`
	MaxConns        int    `yaml:"max_connections,omitempty"`
	MetricsPath     string `yaml:"metrics_path,omitempty"`

	Cache  CacheConfig  `yaml:"cache,omitempty"`
	Bridge BridgeConfig `yaml:"bridge,omitempty"`

	TLS           http.TLSConfig `yaml:"tls,omitempty"`
	BridgeTLS     http.TLSConfig `yaml:"bridge_tls,omitempty"`
	ManagementTLS http.TLSConfig `yaml:"management_tls,omitempty"`

	Servers []ServerConfig           `yaml:"servers"`
	Users   []UserConfig             `yaml:"users"`
	Admins  []UserConfig             `yaml:"admins,omitempty"`
	Filters map[string]filter.Filter `yaml:"filters,omitempty"`
}

// NewConfig creates new config based on config file.
func NewConfig(configFilePath string) (*Config, error) {
	content, err := os.ReadFile(filepath.Clean(configFilePath))
	if err != nil {
		return nil, err
	}

	config := &Config{}
	// Unknown sections or keys are fatal.
	if err := yaml.UnmarshalStrict(content, config); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks configuration for stupid values and sets defaults.
func (c *Config) Validate() error {
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = defaultMetricsPort
	}
	if c.BridgePort == 0 {
		c.BridgePort = defaultBridgePort
	}
	if c.ManagementPort == 0 && c.ManagementSock == "" {
		c.ManagementPort = defaultManagementPort
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.BlockingTimeout <= 0 {
		c.BlockingTimeout = int(defaultBlockingTimeout / time.Second)
	}
	if c.Compression == nil {
		enabled := true
		c.Compression = &enabled
	}

	if c.Cache.MaxSize == 0 {
		c.Cache.MaxSize = defaultCacheMaxSize
	}
	if c.Cache.MaxAge == 0 {
		c.Cache.MaxAge = int(defaultCacheMaxAge / time.Second)
	}
	if c.Bridge.MaxSize == 0 {
		c.Bridge.MaxSize = defaultCacheMaxSize
	}
	if c.Bridge.MaxAge == 0 {
		c.Bridge.MaxAge = int(defaultCacheMaxAge / time.Second)
	}

	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("metrics TLS: %w", err)
	}
	if err := c.BridgeTLS.Validate(); err != nil {
		return fmt.Errorf("bridge TLS: %w", err)
	}
	if err := c.ManagementTLS.Validate(); err != nil {
		return fmt.Errorf("management TLS: %w", err)
	}

	if len(c.Servers) == 0 {
		return fmt.Errorf("no servers configured")
	}

	users := map[string]string{}
	for _, u := range c.Users {
		if u.Username == "" {
			return fmt.Errorf("user without username")
		}
		if _, ok := users[u.Username]; ok {
			return fmt.Errorf("duplicate user '%s'", u.Username)
		}
		users[u.Username] = u.Password
	}

	admins := map[string]bool{}
	for _, a := range c.Admins {
		if a.Username == "" {
			return fmt.Errorf("admin without username")
		}
		if admins[a.Username] {
			return fmt.Errorf("duplicate admin '%s'", a.Username)
		}
		admins[a.Username] = true
	}

	// A TCP management listener authenticates every request against the
	// admins table; with no admins configured every request is rejected.
	if c.ManagementSock == "" && len(c.Admins) == 0 {
		log.Warnln("management listens on TCP but no admins are configured; all management requests will be rejected")
	}

	names := map[string]bool{}
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Name == "" {
			return fmt.Errorf("server without name")
		}
		if reservedServerNames[s.Name] {
			return fmt.Errorf("server name '%s' is reserved", s.Name)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate server name '%s'", s.Name)
		}
		names[s.Name] = true

		if s.Host == "" {
			return fmt.Errorf("server '%s': no host", s.Name)
		}
		if s.Port == 0 {
			s.Port = defaultServerPort
		}
		if s.User == "" {
			return fmt.Errorf("server '%s': no user", s.Name)
		}
		if _, ok := users[s.User]; !ok {
			return fmt.Errorf("server '%s': user '%s' not present in users section", s.Name, s.User)
		}
	}

	if _, err := bridge.NormalizeEndpoints(c.Bridge.Endpoints); err != nil {
		return err
	}

	if c.Workers == 0 {
		c.Workers = len(c.Servers) * defaultWorkersFactor
	}

	// Add default filters and compile regexps.
	if c.Filters == nil {
		c.Filters = make(map[string]filter.Filter)
	}
	filter.DefaultFilters(c.Filters)
	if err := filter.CompileFilters(c.Filters); err != nil {
		return err
	}

	return nil
}

// Password returns the credential of the user, or empty.
func (c *Config) Password(username string) string {
	for _, u := range c.Users {
		if u.Username == username {
			return u.Password
		}
	}
	return ""
}

// VerifyAdmin checks a management credential against the admins table.
func (c *Config) VerifyAdmin(username, password string) bool {
	for _, a := range c.Admins {
		userOK := subtle.ConstantTimeCompare([]byte(a.Username), []byte(username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(a.Password), []byte(password)) == 1
		if userOK && passOK {
			return true
		}
	}
	return false
}

// BlockingTimeoutDuration returns the scrape deadline.
func (c *Config) BlockingTimeoutDuration() time.Duration {
	return time.Duration(c.BlockingTimeout) * time.Second
}

// ManagementAddr returns the management listener address: the Unix socket
// path when set, host:port otherwise.
func (c *Config) ManagementAddr() string {
	if c.ManagementSock != "" {
		return c.ManagementSock
	}
	return fmt.Sprintf("%s:%d", c.Host, c.ManagementPort)
}

// restartRequired lists the fields that cannot change on reload.
func (c *Config) restartRequired(next *Config) []string {
	var fields []string

	if c.Host != next.Host {
		fields = append(fields, "host")
	}
	if c.MetricsPort != next.MetricsPort {
		fields = append(fields, "metrics_port")
	}
	if c.BridgePort != next.BridgePort {
		fields = append(fields, "bridge_port")
	}
	if c.ManagementPort != next.ManagementPort || c.ManagementSock != next.ManagementSock {
		fields = append(fields, "management_port")
	}
	if c.TLS != next.TLS {
		fields = append(fields, "tls")
	}
	if c.BridgeTLS != next.BridgeTLS {
		fields = append(fields, "bridge_tls")
	}
	if c.ManagementTLS != next.ManagementTLS {
		fields = append(fields, "management_tls")
	}
	if c.Workers != next.Workers {
		fields = append(fields, "workers")
	}
	if c.MaxConns != next.MaxConns {
		fields = append(fields, "max_connections")
	}

	return fields
}

// settings exposes the scalar configuration surface of conf ls/get.
func (c *Config) settings() map[string]string {
	return map[string]string{
		"host":             c.Host,
		"metrics_port":     strconv.Itoa(c.MetricsPort),
		"bridge_port":      strconv.Itoa(c.BridgePort),
		"management_port":  strconv.Itoa(c.ManagementPort),
		"log_level":        c.LogLevel,
		"blocking_timeout": strconv.Itoa(c.BlockingTimeout),
		"compression":      strconv.FormatBool(*c.Compression),
		"workers":          strconv.Itoa(c.Workers),
		"metrics_path":     c.MetricsPath,
		"cache.max_size":   strconv.FormatInt(c.Cache.MaxSize, 10),
		"cache.max_age":    strconv.Itoa(c.Cache.MaxAge),
		"bridge.max_size":  strconv.FormatInt(c.Bridge.MaxSize, 10),
		"bridge.max_age":   strconv.Itoa(c.Bridge.MaxAge),
	}
}

// setting reads one scalar configuration key.
func (c *Config) setting(key string) (string, error) {
	v, ok := c.settings()[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", management.ErrUnknownKey, key)
	}
	return v, nil
}

// applySetting mutates one dynamic configuration key in place. Keys that
// only apply on restart are refused.
func (c *Config) applySetting(key, value string) error {
	switch key {
	case "log_level":
		switch value {
		case "debug", "info", "warn", "error":
			c.LogLevel = value
			return nil
		}
		return fmt.Errorf("%w: log level '%s'", management.ErrInvalidValue, value)

	case "blocking_timeout":
		n, err := strconv.Atoi(value)
		if err != nil || n <= 0 {
			return fmt.Errorf("%w: blocking_timeout '%s'", management.ErrInvalidValue, value)
		}
		c.BlockingTimeout = n
		return nil

	case "cache.max_age":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: cache.max_age '%s'", management.ErrInvalidValue, value)
		}
		c.Cache.MaxAge = n
		return nil

	case "bridge.max_age":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: bridge.max_age '%s'", management.ErrInvalidValue, value)
		}
		c.Bridge.MaxAge = n
		return nil

	case "host", "metrics_port", "bridge_port", "management_port", "workers",
		"compression", "metrics_path", "cache.max_size", "bridge.max_size":
		return fmt.Errorf("%w: %s", management.ErrRestartRequired, key)
	}

	return fmt.Errorf("%w: %s", management.ErrUnknownKey, key)
}
