package config

import (
	"errors"
	"os"
	"strings"
)

import (
	"gopkg.in/yaml.v3"
)

// ServerCfg holds the HTTP listener settings.
type ServerCfg struct {
	HTTPAddr            string `yaml:"httpAddr"`            // listen address, e.g. ":8080"
	ReadHeaderTimeoutMs int    `yaml:"readHeaderTimeoutMs"` // default 5000
	ShutdownTimeoutMs   int    `yaml:"shutdownTimeoutMs"`   // default 5000
}

// LogCfg selects the slog handler installed by the binary.
type LogCfg struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// RedisCfg holds the Redis cluster connection and key namespace.
// An empty address list runs the registry in local mode.
type RedisCfg struct {
	Addr               string   `yaml:"addr"`               // comma separated, e.g. "127.0.0.1:6379"
	Addrs              []string `yaml:"addrs"`              // optional shard addresses
	Password           string   `yaml:"password"`           // Redis password
	Prefix             string   `yaml:"prefix"`             // key prefix, used as the hash tag
	UpdatesChannel     string   `yaml:"updatesChannel"`     // Pub/Sub channel for entry updates
	PoolSize           int      `yaml:"poolSize"`           // connection pool size
	MinIdleConns       int      `yaml:"minIdleConns"`       // minimum idle connections
	MaxRetries         int      `yaml:"maxRetries"`         // command retry count
	ReadTimeoutMs      int      `yaml:"readTimeoutMs"`      // read timeout (ms)
	WriteTimeoutMs     int      `yaml:"writeTimeoutMs"`     // write timeout (ms)
	DialTimeoutMs      int      `yaml:"dialTimeoutMs"`      // dial timeout (ms)
	ReloadIntervalMs   int      `yaml:"reloadIntervalMs"`   // fallback full reload, default 60000
	CommandTimeoutMs   int      `yaml:"commandTimeoutMs"`   // per command timeout, default 100
	ConnMaxIdleTimeSec int      `yaml:"connMaxIdleTimeSec"` // max idle time (sec)
}

// Enabled reports whether any Redis address is configured.
func (r RedisCfg) Enabled() bool {
	return strings.TrimSpace(r.Addr) != "" || len(r.Addrs) > 0
}

// NacosCfg - Nacos config center (pull mode)
type NacosCfg struct {
	Addr           string `yaml:"addr"`           // Nacos address, e.g. "http://127.0.0.1:8848"
	Namespace      string `yaml:"namespace"`      // tenant/namespace
	Group          string `yaml:"group"`          // entry group, default DEFAULT_GROUP
	DataID         string `yaml:"dataId"`         // config dataId
	Username       string `yaml:"username"`       // optional
	Password       string `yaml:"password"`       // optional
	PollIntervalMs int    `yaml:"pollIntervalMs"` // default 5000
	TimeoutMs      int    `yaml:"timeoutMs"`      // default 2000
	FailPolicy     string `yaml:"failPolicy"`     // fail-open | fail-closed
	Format         string `yaml:"format"`         // json | yaml (auto-detect if empty)
}

func (n NacosCfg) Enabled() bool {
	return n.Addr != "" && n.DataID != ""
}

// GuardCfg caps API throughput per second. Zero disables a limit.
type GuardCfg struct {
	ReadQPS  float64 `yaml:"readQps"`
	WriteQPS float64 `yaml:"writeQps"`
}

// Entry is one key of the catalog. Value is any JSON/YAML document.
type Entry struct {
	Key      string            `yaml:"key"      json:"key"`
	Value    any               `yaml:"value"    json:"value"`
	Labels   map[string]string `yaml:"labels"   json:"labels,omitempty"`
	Revision uint64            `yaml:"revision" json:"revision"` // catalog revision that last wrote this entry
}

var (
	ErrInvalidKey         = errors.New("invalid entry key")
	ErrConflictingSources = errors.New("redis and nacos cannot both own the entries")
)

// Validate checks the key: non-empty, no surrounding blanks, no control characters.
func (e Entry) Validate() error {
	if e.Key == "" || strings.TrimSpace(e.Key) != e.Key {
		return ErrInvalidKey
	}
	for _, r := range e.Key {
		if r < 0x20 || r == 0x7f {
			return ErrInvalidKey
		}
	}
	return nil
}

// Config is the whole service configuration.
type Config struct {
	Server           ServerCfg `yaml:"server"`
	Log              LogCfg    `yaml:"log"`
	Redis            RedisCfg  `yaml:"redis"`
	Nacos            NacosCfg  `yaml:"nacos"`
	Guard            GuardCfg  `yaml:"guard"`
	BootstrapEntries []Entry   `yaml:"bootstrapEntries"` // seeded on start if absent
}

// Load reads a YAML file, expanding ${ENV} references first.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	expanded := os.ExpandEnv(string(b))
	var c Config
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations with more than one source of truth for
// entries. A Nacos poller publishes whole catalogs and would discard every
// write persisted through Redis.
func (c *Config) Validate() error {
	if c.Redis.Enabled() && c.Nacos.Enabled() {
		return ErrConflictingSources
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.ReadHeaderTimeoutMs <= 0 {
		c.Server.ReadHeaderTimeoutMs = 5000
	}
	if c.Server.ShutdownTimeoutMs <= 0 {
		c.Server.ShutdownTimeoutMs = 5000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "pixiu:rcu"
	}
	if c.Redis.UpdatesChannel == "" {
		c.Redis.UpdatesChannel = c.Redis.Prefix + ":updates"
	}
	if c.Redis.ReloadIntervalMs <= 0 {
		c.Redis.ReloadIntervalMs = 60000
	}
	if c.Redis.CommandTimeoutMs <= 0 {
		c.Redis.CommandTimeoutMs = 100
	}
}
