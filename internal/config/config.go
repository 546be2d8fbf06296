package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration, loaded once at startup and
// immutable afterwards.
type Config struct {
	// Units maps logical unit keys to systemd unit names. Fixed for the
	// process lifetime; every key used anywhere else must exist here.
	Units map[string]string

	// D-Bus
	Bus               string        // "system" | "session"
	BusConnectTimeout time.Duration // total time to retry connecting
	BusRetryInterval  time.Duration // initial wait between retries, grows exponentially
	BusMaxWait        time.Duration // cap on the wait between retries
	BusWarnThreshold  int           // warn after this many attempts

	// WAMP
	RouterURL           string        // ex: "ws://127.0.0.1:8080/ws"
	Realm               string        // ex: "realm1"
	Prefix              string        // URI prefix for procedures and topics, ex: "unitbridge."
	WAMPRetryInterval   time.Duration // initial reconnect wait
	WAMPMaxWait         time.Duration // cap on the reconnect wait
	WAMPResponseTimeout time.Duration

	// HTTP introspection server
	ListenAddr      string        // ex: ":9130"
	ShutdownTimeout time.Duration // ex: 5s
	AllowedCIDRS    []string      // optional, restrict mutating routes to specific IPs/CIDRs
	TrustProxy      bool          // true => trust X-Forwarded-For headers

	// Optional extras
	RefreshInterval time.Duration // periodic mirror refresh, 0 = disabled
	PopulateLimit   int           // max concurrent per-key property fetches

	// Redis snapshot sink, disabled when Addr is empty
	RedisAddr        string
	RedisUser        string
	RedisPassword    string
	RedisDB          int
	RedisDialTimeout time.Duration
	RedisSnapshotTTL time.Duration

	// Logging
	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)
}

// duration lets the YAML file use humane values like "5s" or "24h".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = duration(v)
	return nil
}

// fileConfig is the YAML shape of the config file.
type fileConfig struct {
	Units map[string]string `yaml:"units"`

	DBus struct {
		Bus            string   `yaml:"bus"`
		ConnectTimeout duration `yaml:"connect_timeout"`
		RetryInterval  duration `yaml:"retry_interval"`
		MaxWait        duration `yaml:"max_wait"`
		WarnThreshold  int      `yaml:"warn_threshold"`
	} `yaml:"dbus"`

	WAMP struct {
		URL             string   `yaml:"url"`
		Realm           string   `yaml:"realm"`
		Prefix          string   `yaml:"prefix"`
		RetryInterval   duration `yaml:"retry_interval"`
		MaxWait         duration `yaml:"max_wait"`
		ResponseTimeout duration `yaml:"response_timeout"`
	} `yaml:"wamp"`

	HTTP struct {
		Listen          string   `yaml:"listen"`
		ShutdownTimeout duration `yaml:"shutdown_timeout"`
		AllowedCIDRS    []string `yaml:"allowed_cidrs"`
		TrustProxy      bool     `yaml:"trust_proxy"`
	} `yaml:"http"`

	Redis struct {
		Addr        string   `yaml:"addr"`
		User        string   `yaml:"user"`
		Password    string   `yaml:"password"`
		DB          int      `yaml:"db"`
		DialTimeout duration `yaml:"dial_timeout"`
		SnapshotTTL duration `yaml:"snapshot_ttl"`
	} `yaml:"redis"`

	RefreshInterval duration `yaml:"refresh_interval"`
	PopulateLimit   int      `yaml:"populate_limit"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty *bool  `yaml:"pretty"`
	} `yaml:"log"`
}

// Load reads and validates the config file at path. Environment variables
// (UNITBRIDGE_*) override the file for the logging and endpoint settings so
// deployments can tweak those without editing the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config yaml: %w", err)
	}

	cfg := &Config{
		Units: fc.Units,

		Bus:               orString(fc.DBus.Bus, "system"),
		BusConnectTimeout: orDuration(time.Duration(fc.DBus.ConnectTimeout), 30*time.Second),
		BusRetryInterval:  orDuration(time.Duration(fc.DBus.RetryInterval), 2*time.Second),
		BusMaxWait:        orDuration(time.Duration(fc.DBus.MaxWait), 10*time.Second),
		BusWarnThreshold:  orInt(fc.DBus.WarnThreshold, 3),

		RouterURL:           getenv("UNITBRIDGE_ROUTER_URL", fc.WAMP.URL),
		Realm:               getenv("UNITBRIDGE_REALM", fc.WAMP.Realm),
		Prefix:              orString(fc.WAMP.Prefix, "unitbridge."),
		WAMPRetryInterval:   orDuration(time.Duration(fc.WAMP.RetryInterval), 2*time.Second),
		WAMPMaxWait:         orDuration(time.Duration(fc.WAMP.MaxWait), 30*time.Second),
		WAMPResponseTimeout: orDuration(time.Duration(fc.WAMP.ResponseTimeout), 10*time.Second),

		ListenAddr:      getenv("UNITBRIDGE_LISTEN_ADDR", orString(fc.HTTP.Listen, ":9130")),
		ShutdownTimeout: orDuration(time.Duration(fc.HTTP.ShutdownTimeout), 5*time.Second),
		AllowedCIDRS:    fc.HTTP.AllowedCIDRS,
		TrustProxy:      fc.HTTP.TrustProxy,

		RefreshInterval: time.Duration(fc.RefreshInterval),
		PopulateLimit:   orInt(fc.PopulateLimit, 8),

		RedisAddr:        fc.Redis.Addr,
		RedisUser:        orString(fc.Redis.User, "default"),
		RedisPassword:    getenv("UNITBRIDGE_REDIS_PASSWORD", fc.Redis.Password),
		RedisDB:          fc.Redis.DB,
		RedisDialTimeout: orDuration(time.Duration(fc.Redis.DialTimeout), 5*time.Second),
		RedisSnapshotTTL: orDuration(time.Duration(fc.Redis.SnapshotTTL), 48*time.Hour),

		LogLevel:  getenv("UNITBRIDGE_LOG_LEVEL", orString(fc.Log.Level, "info")),
		PrettyLog: mustBool("UNITBRIDGE_PRETTY_LOG", orBoolPtr(fc.Log.Pretty, false)),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Units) == 0 {
		return fmt.Errorf("config: at least one unit must be configured")
	}
	for key, name := range c.Units {
		if key == "" || name == "" {
			return fmt.Errorf("config: unit entries must have non-empty key and name")
		}
	}
	if c.Bus != "system" && c.Bus != "session" {
		return fmt.Errorf("config: dbus.bus must be \"system\" or \"session\", got %q", c.Bus)
	}
	if c.RouterURL == "" {
		return fmt.Errorf("config: wamp.url is required")
	}
	if c.Realm == "" {
		return fmt.Errorf("config: wamp.realm is required")
	}
	return nil
}

// RedisEnabled reports whether the optional snapshot sink is configured.
func (c *Config) RedisEnabled() bool { return c.RedisAddr != "" }

// helpers

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func orDuration(v, def time.Duration) time.Duration {
	if v != 0 {
		return v
	}
	return def
}

func orBoolPtr(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}
