package config

import "encoding/json"

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Engine  EngineConfig  `json:"engine"`

	// Channels holds per action type send settings, keyed by action type
	// ("email", "sms", "push", "webhook"). Missing entries use defaults.
	Channels map[string]ChannelConfig `json:"channels,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	Catalog CatalogConfig  `json:"catalog"`

	// Recipients is the static recipient directory keyed by logical ref
	// ("user:u1", "role:oncall", ...).
	Recipients map[string]RecipientConfig `json:"recipients,omitempty"`

	HTTP    HTTPConfig    `json:"http"`
	Reports ReportsConfig `json:"reports"`

	// Timezone used by the report schedule (IANA name, default Local).
	Timezone string `json:"timezone,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls event intake and delayed action scheduling.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 1024
//   - max_delay: "0s" (no cap on action delays)
//   - dedup_window: "0s" (resubmitted event ids are processed again)
//
// workers < 0 disables the intake queue; events are then only accepted by
// direct calls into the engine.
type EngineConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`

	// DedupWindow suppresses a resubmitted event id for this long.
	DedupWindow string `json:"dedup_window,omitempty"`

	// MaxDelay caps action delayMillis. Go duration string; "0s" disables the cap.
	MaxDelay string `json:"max_delay,omitempty"`

	// StrictCatalog rejects the whole catalog when a route has escalation
	// levels without actions or with a non-positive timeout. When false such
	// routes are kept with a warning and their escalation halts at that level.
	StrictCatalog bool `json:"strict_catalog,omitempty"`
}

// ChannelConfig controls sending for one action type.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type ChannelConfig struct {
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// Circuit breaker: after FailureThreshold consecutive failures the channel
	// is skipped for Cooldown.
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	Cooldown         string `json:"cooldown,omitempty"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./notiflow_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// CatalogConfig points at the route catalog.
//
// Routes may be given inline or in a separate JSON/YAML file at Path.
// When both are present the file wins.
type CatalogConfig struct {
	Path   string          `json:"path,omitempty"`
	Watch  bool            `json:"watch,omitempty"`
	Routes json.RawMessage `json:"routes,omitempty"`
}

type RecipientConfig struct {
	// Members lists user refs for role/branch/department entries.
	Members  []string        `json:"members,omitempty"`
	Contacts []ContactConfig `json:"contacts,omitempty"`
}

type ContactConfig struct {
	Channel  string `json:"channel"`
	Address  string `json:"address"`
	Priority int    `json:"priority,omitempty"`
	// Active defaults to true when omitted.
	Active *bool `json:"active,omitempty"`
}

// HTTPConfig controls the HTTP API.
//
// Security note:
//   - Without Token there is no authentication; a non-loopback Addr then
//     requires allow_insecure.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	// Token enables bearer auth on every route except /healthz.
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool `json:"pprof,omitempty"`
}

// ReportsConfig controls the periodic summary job.
type ReportsConfig struct {
	// Schedule accepts cron expressions, descriptors ("@every 1m"),
	// "every:5m"/"interval:5m" or a daily "HH:MM". Empty disables the job.
	Schedule string `json:"schedule,omitempty"`
}
