package am

import "time"

// Config represents the genq worker configuration
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Admin       AdminConfig       `mapstructure:"admin"`
	Server      ServerConfig      `mapstructure:"server"`
	Executor    ExecutorConfig    `mapstructure:"executor"`
	Log         LogConfig         `mapstructure:"log"`
}

// Storage drivers
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Change feed transports
const (
	TransportChangeLog = "changelog" // sqlite change_log table
	TransportPGNotify  = "pgnotify"  // postgres LISTEN/NOTIFY
	TransportRedis     = "redis"     // redis pub/sub, fed by `genq relay`
	TransportNone      = "none"      // poll only
)

// DatabaseConfig selects the job store
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite or postgres
	Path   string `mapstructure:"path"`   // sqlite file
	URL    string `mapstructure:"url"`    // postgres connection string
}

// FeedConfig configures the change feed a worker subscribes to
type FeedConfig struct {
	Transport    string        `mapstructure:"transport"`
	RedisURL     string        `mapstructure:"redis_url"` // e.g. redis://localhost:6379/0
	Channel      string        `mapstructure:"channel"`   // redis channel (default genq:changes)
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Retention    time.Duration `mapstructure:"retention"` // change_log rows older than this are pruned
}

// CoordinatorConfig configures admission. The timing fields and conflict
// rule are hot-reloaded from the config file.
type CoordinatorConfig struct {
	WorkerID           string        `mapstructure:"worker_id"` // empty = hostname-uuid
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	StalenessThreshold time.Duration `mapstructure:"staleness_threshold"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	ConflictRule       string        `mapstructure:"conflict_rule"` // models, type, any, none
	ScanLimit          int           `mapstructure:"scan_limit"`
	MaxCyclesPerSecond float64       `mapstructure:"max_cycles_per_second"`
	DrainTimeout       time.Duration `mapstructure:"drain_timeout"` // how long shutdown waits for the running job
}

// AdminConfig holds the bearer secrets for the admin endpoints
type AdminConfig struct {
	PriorityLockSecret string `mapstructure:"priority_lock_secret"`
	MaintenanceSecret  string `mapstructure:"maintenance_secret"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"` // serve HTTP from `genq worker`
	Addr    string `mapstructure:"addr"`
}

// ExecutorConfig configures where jobs without a built-in handler are sent
type ExecutorConfig struct {
	URL            string        `mapstructure:"url"` // webhook; empty = built-in handlers only
	Timeout        time.Duration `mapstructure:"timeout"`
	BlockPrivateIP bool          `mapstructure:"block_private_ip"` // refuse loopback and private destinations
}

// LogConfig configures logging output
type LogConfig struct {
	JSON bool `mapstructure:"json"`
}

// Server address constants
const (
	DefaultServerAddr = ":8787"
)

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
)
