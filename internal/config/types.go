package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`

	Locks    LocksConfig    `json:"locks,omitempty"`
	Cache    CacheConfig    `json:"cache,omitempty"`
	Dispatch DispatchConfig `json:"dispatch,omitempty"`
	Display  DisplayConfig  `json:"display,omitempty"`
	Sweeper  SweeperConfig  `json:"sweeper,omitempty"`
	Admin    AdminConfig    `json:"admin,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout"`
	// AdminChat receives alert lines when logging.alerts is enabled.
	AdminChat int64 `json:"admin_chat,omitempty"`
	// APIURL overrides the Bot API endpoint (local bot API server).
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Alerts  LoggingAlerts `json:"alerts"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlerts forwards warn+ lines to telegram.admin_chat.
type LoggingAlerts struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls the persistence layer. Changes need a restart.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./rollcall.db" }
type StorageConfig struct {
	Driver      string     `json:"driver"`
	Path        string     `json:"path"`
	BusyTimeout string     `json:"busy_timeout,omitempty"`
	Pool        PoolConfig `json:"pool,omitempty"`
}

// PoolConfig bounds concurrent storage access.
//
// Defaults (when fields are omitted/zero):
//   - min_conns: 5
//   - max_conns: 30
//   - acquire_timeout: "10s"
//   - query_timeout: "10s"
//   - idle_lifetime: "5m"
type PoolConfig struct {
	MinConns       int    `json:"min_conns,omitempty"`
	MaxConns       int    `json:"max_conns,omitempty"`
	AcquireTimeout string `json:"acquire_timeout,omitempty"`
	QueryTimeout   string `json:"query_timeout,omitempty"`
	IdleLifetime   string `json:"idle_lifetime,omitempty"`
}

// LocksConfig tunes the per-owner write lock table.
type LocksConfig struct {
	Shards            int    `json:"shards,omitempty"`
	ContentionTimeout string `json:"contention_timeout,omitempty"` // default "5s"
}

type CacheConfig struct {
	// TTL of cached settings. Default "5m".
	TTL string `json:"ttl,omitempty"`
}

// DispatchConfig controls notification fan-out.
//
// Defaults (when fields are omitted/zero):
//   - max_in_flight: 15
//   - send_delay: "100ms", send_jitter: "100ms"
//   - max_retries: 3
//   - retry_base: "1s", retry_jitter: "1s", retry_max_delay: "30s"
//   - send_timeout: "15s"
//   - rate_per_sec: 0 (no global pacing)
type DispatchConfig struct {
	MaxInFlight   int     `json:"max_in_flight,omitempty"`
	SendDelay     string  `json:"send_delay,omitempty"`
	SendJitter    string  `json:"send_jitter,omitempty"`
	RatePerSec    float64 `json:"rate_per_sec,omitempty"`
	Burst         int     `json:"burst,omitempty"`
	MaxRetries    *int    `json:"max_retries,omitempty"`
	RetryBase     string  `json:"retry_base,omitempty"`
	RetryJitter   string  `json:"retry_jitter,omitempty"`
	RetryMaxDelay string  `json:"retry_max_delay,omitempty"`
	SendTimeout   string  `json:"send_timeout,omitempty"`
}

// DisplayConfig sets the two zones event times are rendered in.
type DisplayConfig struct {
	PrimaryZone   string `json:"primary_zone,omitempty"`   // default America/Los_Angeles
	SecondaryZone string `json:"secondary_zone,omitempty"` // default America/New_York
}

// SweeperConfig schedules maintenance passes. Schedules accept cron
// expressions (optional seconds field), descriptors such as "@every 1h", or
// "off".
type SweeperConfig struct {
	Timezone string `json:"timezone,omitempty"`

	DeliveriesSchedule string `json:"deliveries_schedule,omitempty"`
	DeliveryMaxAge     string `json:"delivery_max_age,omitempty"`
	BatchSize          int    `json:"batch_size,omitempty"`

	CacheSchedule string `json:"cache_schedule,omitempty"`
	StatsMaxAge   string `json:"stats_max_age,omitempty"`

	LocksSchedule string `json:"locks_schedule,omitempty"`
	LockIdle      string `json:"lock_idle,omitempty"`

	EventsSchedule string `json:"events_schedule,omitempty"`
	EventRetention string `json:"event_retention,omitempty"`
}

// AdminConfig controls the admin HTTP API.
//
// Security note:
//   - Prefer binding to localhost (default "127.0.0.1:8089").
//   - A non-loopback address requires a token or allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}
