package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

var (
	defaultConfig = Config{
		ListenAddr:           ":8080",
		ReadTimeout:          Duration(time.Minute),
		WriteTimeout:         Duration(time.Minute),
		IdleTimeout:          Duration(10 * time.Minute),
		ShutdownTimeout:      Duration(10 * time.Second),
		BackgroundDeadline:   Duration(10 * time.Second),
		ForwardTimeout:       Duration(10 * time.Second),
		ScriptTimeout:        Duration(time.Second),
		MaxForwardRetries:    3,
		RateLimitMaxEntries:  1000,
		RateLimitWindow:      Duration(time.Minute),
		StreamMaxSubscribers: 100,
		StreamQueueSize:      64,
		HeartbeatInterval:    Duration(30 * time.Second),
		Storage:              defaultStorage,
		Reload:               defaultReload,
		Hooks:                defaultHooks,
	}

	defaultStorage = Storage{
		Mode:       "file_system",
		FileSystem: FileSystemStorage{Dir: "hooktrap-data"},
	}

	defaultReload = Reload{
		Source:       "file",
		PollInterval: Duration(5 * time.Second),
		Debounce:     Duration(100 * time.Millisecond),
		KVKey:        "hooktrap-config",
	}

	defaultHooks = Hooks{
		URLCount:            1,
		RetentionHours:      24,
		RateLimitPerMinute:  60,
		MaxPayloadSize:      10 * MB,
		EnableJSONParsing:   true,
		DefaultResponseCode: 200,
		DefaultResponseBody: "OK",
		MaskSensitiveData:   true,
		ReplayMaxRetries:    3,
		ReplayTimeoutMs:     10000,
	}
)

// Config describes the full service configuration.
// The static part (listeners, storage, timeouts) is read once at startup;
// the `hooks` section is dynamic and re-applied by the reload controller.
type Config struct {
	// TCP address to listen to for http
	// Default is `:8080`
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// TCP address to listen to for https
	ListenTLSAddr string `yaml:"listen_tls_addr,omitempty"`

	// Path to the directory where letsencrypt certs are cached
	CertCacheDir string `yaml:"cert_cache_dir,omitempty"`

	// Hosts autocert is allowed to respond for; empty allows any host
	AutocertHosts []string `yaml:"autocert_hosts,omitempty"`

	// Whether to print debug logs
	LogDebug bool `yaml:"log_debug,omitempty"`

	// Identity injected into X-Forwarded-By-Run on forwarded requests.
	// Defaults to a random id generated at startup.
	InstanceID string `yaml:"instance_id,omitempty"`

	// Whether X-Forwarded-For / X-Real-IP are trusted for client identity
	TrustProxy bool `yaml:"trust_proxy,omitempty"`

	ReadTimeout     Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout    Duration `yaml:"write_timeout,omitempty"`
	IdleTimeout     Duration `yaml:"idle_timeout,omitempty"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty"`

	// Overall deadline for post-response work (persist, forward, alert)
	BackgroundDeadline Duration `yaml:"background_deadline,omitempty"`

	// Per-attempt timeout for forwarded requests
	ForwardTimeout Duration `yaml:"forward_timeout,omitempty"`

	// Wall-clock budget for one custom script run
	ScriptTimeout Duration `yaml:"script_timeout,omitempty"`

	// Attempts per forwarded request, transient failures only
	MaxForwardRetries int `yaml:"max_forward_retries,omitempty"`

	// Upper bound on tracked rate-limiter keys; LRU eviction beyond it
	RateLimitMaxEntries int `yaml:"rate_limit_max_entries,omitempty"`

	// Sliding window measured by the rate limiter
	RateLimitWindow Duration `yaml:"rate_limit_window,omitempty"`

	// Cap on concurrent event-stream subscribers
	StreamMaxSubscribers int `yaml:"stream_max_subscribers,omitempty"`

	// Frames buffered per subscriber before the oldest is dropped
	StreamQueueSize int `yaml:"stream_queue_size,omitempty"`

	// Cadence of SSE keepalive comments
	HeartbeatInterval Duration `yaml:"heartbeat_interval,omitempty"`

	Metrics Metrics `yaml:"metrics,omitempty"`

	Storage Storage `yaml:"storage,omitempty"`

	Reload Reload `yaml:"reload,omitempty"`

	Hooks Hooks `yaml:"hooks"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// Validates passed configuration by additional marshalling
// to ensure that all rules and checks were applied
func (c *Config) Validate() error {
	content, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("error while marshalling config: %s", err)
	}

	cfg := &Config{}
	return yaml.Unmarshal(content, cfg)
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*c = defaultConfig

	// set c to the defaults and then overwrite it with the input.
	type plain Config
	if err := unmarshal((*plain)(c)); err != nil {
		return err
	}

	if len(c.ListenTLSAddr) > 0 && len(c.CertCacheDir) == 0 {
		return fmt.Errorf("field `cert_cache_dir` must be set for TLS")
	}

	if c.MaxForwardRetries < 1 {
		return fmt.Errorf("field `max_forward_retries` must be at least 1")
	}

	if c.RateLimitMaxEntries < 1 {
		return fmt.Errorf("field `rate_limit_max_entries` must be at least 1")
	}

	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("field `rate_limit_window` must be positive")
	}

	return checkOverflow(c.XXX, "config")
}

// Metrics describes the exposure rules for the /metrics endpoint
type Metrics struct {
	// List of networks the endpoint answers to
	// Each list item could be IP address or subnet mask
	// if omitted or zero - no limits would be applied
	AllowedNetworks Networks `yaml:"allowed_networks,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (m *Metrics) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain Metrics
	if err := unmarshal((*plain)(m)); err != nil {
		return err
	}
	return checkOverflow(m.XXX, "metrics")
}

// Storage selects where the webhook registry and recorded events live
type Storage struct {
	// Mode of storage: `file_system` or `redis`
	Mode string `yaml:"mode,omitempty"`

	FileSystem FileSystemStorage `yaml:"file_system,omitempty"`

	Redis RedisStorage `yaml:"redis,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (s *Storage) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*s = defaultStorage

	type plain Storage
	if err := unmarshal((*plain)(s)); err != nil {
		return err
	}

	switch s.Mode {
	case "file_system":
		if len(s.FileSystem.Dir) == 0 {
			return fmt.Errorf("field `storage.file_system.dir` must be set")
		}
	case "redis":
		if len(s.Redis.Addresses) == 0 {
			return fmt.Errorf("field `storage.redis.addresses` must contain at least 1 address")
		}
	default:
		return fmt.Errorf("field `storage.mode` must be `file_system` or `redis`. Got %q instead", s.Mode)
	}

	return checkOverflow(s.XXX, "storage")
}

// FileSystemStorage keeps registry and events as files under Dir
type FileSystemStorage struct {
	Dir string `yaml:"dir,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (f *FileSystemStorage) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain FileSystemStorage
	if err := unmarshal((*plain)(f)); err != nil {
		return err
	}
	return checkOverflow(f.XXX, "storage.file_system")
}

// RedisStorage keeps registry and events in redis
type RedisStorage struct {
	Addresses []string `yaml:"addresses"`
	Username  string   `yaml:"username,omitempty"`
	Password  string   `yaml:"password,omitempty"`
	DBIndex   int      `yaml:"db_index,omitempty"`
	PoolSize  int      `yaml:"pool_size,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (r *RedisStorage) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain RedisStorage
	if err := unmarshal((*plain)(r)); err != nil {
		return err
	}
	return checkOverflow(r.XXX, "storage.redis")
}

// Reload configures how updated `hooks` config is picked up at runtime
type Reload struct {
	// Source of dynamic config: `file` re-reads the config file on change,
	// `kv` polls the key-value store under KVKey
	Source string `yaml:"source,omitempty"`

	// Poll cadence for the kv source
	PollInterval Duration `yaml:"poll_interval,omitempty"`

	// Quiet period after a file event before the file is re-read
	Debounce Duration `yaml:"debounce,omitempty"`

	// Key holding the raw `hooks` document in the kv store
	KVKey string `yaml:"kv_key,omitempty"`

	// Catches all undefined fields
	XXX map[string]interface{} `yaml:",inline"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (r *Reload) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*r = defaultReload

	type plain Reload
	if err := unmarshal((*plain)(r)); err != nil {
		return err
	}

	if r.Source != "file" && r.Source != "kv" {
		return fmt.Errorf("field `reload.source` must be `file` or `kv`. Got %q instead", r.Source)
	}
	if r.PollInterval <= 0 {
		return fmt.Errorf("field `reload.poll_interval` must be positive")
	}

	return checkOverflow(r.XXX, "reload")
}

// Hooks is the dynamic part of the configuration: everything here may be
// changed at runtime through the reload controller. Unknown fields are
// deliberately ignored so that newer documents keep loading on older
// binaries.
type Hooks struct {
	// Target number of webhook endpoints; scaling down never deletes
	URLCount Int `yaml:"url_count"`

	// Endpoint lifetime; extensions are monotone upward only
	RetentionHours float64 `yaml:"retention_hours"`

	// Bearer token required on protected routes when non-empty
	AuthKey string `yaml:"auth_key,omitempty"`

	// CIDR whitelist for inbound webhook calls; empty allows all
	AllowedIPs []string `yaml:"allowed_ips,omitempty"`

	// Requests admitted per key per window; 0 disables limiting
	RateLimitPerMinute Int `yaml:"rate_limit_per_minute"`

	// Largest accepted payload; clamped to a 100MB hard cap
	MaxPayloadSize ByteSize `yaml:"max_payload_size,omitempty"`

	// Parse JSON bodies into structured form before recording
	EnableJSONParsing bool `yaml:"enable_json_parsing"`

	DefaultResponseCode    Int               `yaml:"default_response_code"`
	DefaultResponseBody    string            `yaml:"default_response_body,omitempty"`
	DefaultResponseHeaders map[string]string `yaml:"default_response_headers,omitempty"`

	// Artificial delay before responding, clamped to a safe maximum
	ResponseDelayMs Int `yaml:"response_delay_ms,omitempty"`

	// Where received webhooks are forwarded; empty disables forwarding
	ForwardURL string `yaml:"forward_url,omitempty"`

	// Copy inbound headers (minus the sensitive set) onto forwards
	ForwardHeaders bool `yaml:"forward_headers,omitempty"`

	// JSON schema applied to JSON payloads; raw document
	JSONSchema string `yaml:"json_schema,omitempty"`

	// Script run against every recorded event; lua source
	CustomScript string `yaml:"custom_script,omitempty"`

	// Replace sensitive header values with a mask before recording
	MaskSensitiveData bool `yaml:"mask_sensitive_data"`

	SignatureVerification *SignatureVerification `yaml:"signature_verification,omitempty"`

	Alerts *Alerts `yaml:"alerts,omitempty"`

	// Conditions that fire alerts: error, 4xx, 5xx, timeout, signature_invalid
	AlertOn []string `yaml:"alert_on,omitempty"`

	ReplayMaxRetries Int `yaml:"replay_max_retries"`
	ReplayTimeoutMs  Int `yaml:"replay_timeout_ms"`

	// Per-webhook response overrides keyed by webhook id
	Endpoints map[string]Endpoint `yaml:"endpoints,omitempty"`
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (h *Hooks) UnmarshalYAML(unmarshal func(interface{}) error) error {
	*h = defaultHooks

	type plain Hooks
	return unmarshal((*plain)(h))
}

// SignatureVerification describes how inbound payload signatures are checked
type SignatureVerification struct {
	// One of: stripe, shopify, github, slack, custom
	Provider string `yaml:"provider,omitempty"`

	Secret string `yaml:"secret,omitempty"`

	// Digest for the custom provider: sha1 or sha256
	Algorithm string `yaml:"algorithm,omitempty"`

	// Signature encoding for the custom provider: hex or base64
	Encoding string `yaml:"encoding,omitempty"`

	// Literal prefix stripped from the header value, e.g. `sha256=`
	Prefix string `yaml:"prefix,omitempty"`

	// Allowed clock skew for timestamped signatures
	ToleranceSeconds Int `yaml:"tolerance_seconds,omitempty"`

	// Header carrying the signature for the custom provider
	HeaderName string `yaml:"header_name,omitempty"`

	// Header carrying the request timestamp, when the provider uses one
	TimestampKey string `yaml:"timestamp_key,omitempty"`
}

// Alerts enumerates the notification channels
type Alerts struct {
	Slack   *AlertChannel `yaml:"slack,omitempty"`
	Discord *AlertChannel `yaml:"discord,omitempty"`
}

// AlertChannel is a single outbound notification target
type AlertChannel struct {
	WebhookURL string `yaml:"webhook_url,omitempty"`
}

// Endpoint overrides response behavior for a single webhook id
type Endpoint struct {
	ResponseCode    Int               `yaml:"response_code,omitempty"`
	ResponseBody    string            `yaml:"response_body,omitempty"`
	ResponseHeaders map[string]string `yaml:"response_headers,omitempty"`
	ResponseDelayMs Int               `yaml:"response_delay_ms,omitempty"`
	ForwardURL      string            `yaml:"forward_url,omitempty"`

	// nil inherits the global forward_headers flag
	ForwardHeaders *bool `yaml:"forward_headers,omitempty"`
}

// Loads and validates configuration from provided .yml file
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(content)
}

// Parse reads a raw config document.
func Parse(content []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseHooks reads a raw dynamic-config document, as delivered by the
// reload controller from either source.
func ParseHooks(raw []byte) (*Hooks, error) {
	h := &Hooks{}
	if err := yaml.Unmarshal(raw, h); err != nil {
		return nil, err
	}
	return h, nil
}
