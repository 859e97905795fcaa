package am

import (
	"fmt"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options.
// Durations are given as strings so rendered configs stay readable.
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "genq.db")
	v.SetDefault("database.url", "")

	// Change feed defaults
	v.SetDefault("feed.transport", TransportChangeLog)
	v.SetDefault("feed.redis_url", "")
	v.SetDefault("feed.channel", "genq:changes")
	v.SetDefault("feed.poll_interval", "250ms") // change_log tail interval
	v.SetDefault("feed.retention", "1h")

	// Coordinator defaults (1:5 heartbeat to staleness)
	v.SetDefault("coordinator.worker_id", "")
	v.SetDefault("coordinator.heartbeat_interval", "6s")
	v.SetDefault("coordinator.staleness_threshold", "30s")
	v.SetDefault("coordinator.poll_interval", "10s")
	v.SetDefault("coordinator.conflict_rule", "models")
	v.SetDefault("coordinator.scan_limit", 100)
	v.SetDefault("coordinator.max_cycles_per_second", 20.0)
	v.SetDefault("coordinator.drain_timeout", "10m")

	// Admin secrets have no default: endpoints answer 500 until configured
	v.SetDefault("admin.priority_lock_secret", "")
	v.SetDefault("admin.maintenance_secret", "")

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", DefaultServerAddr)

	// Executor defaults
	v.SetDefault("executor.url", "")
	v.SetDefault("executor.timeout", "10m")
	v.SetDefault("executor.block_private_ip", false)

	v.SetDefault("log.json", false)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables.
// The unprefixed names are the ones deployments already export.
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("admin.priority_lock_secret", "GENQ_ADMIN_PRIORITY_LOCK_SECRET", "SECRET_KEY")
	v.BindEnv("admin.maintenance_secret", "GENQ_ADMIN_MAINTENANCE_SECRET", "ADMIN_SECRET")
	v.BindEnv("database.url", "GENQ_DATABASE_URL", "DATABASE_URL")
	v.BindEnv("feed.redis_url", "GENQ_FEED_REDIS_URL", "REDIS_URL")
}

// sensitiveKeys are masked by Redacted.
var sensitiveKeys = map[string]bool{
	"admin.priority_lock_secret": true,
	"admin.maintenance_secret":   true,
	"database.url":               true,
	"feed.redis_url":             true,
}

// IsSensitive reports whether key holds a secret or a credential-bearing URL.
func IsSensitive(key string) bool {
	return sensitiveKeys[key]
}

// Redact masks a sensitive value, keeping only whether it is set.
func Redact(value interface{}) interface{} {
	if s, ok := value.(string); ok && s == "" {
		return ""
	}
	return "********"
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: {Driver: %s}, Feed: {Transport: %s}, Coordinator: {Heartbeat: %s, Staleness: %s, Conflict: %s}}",
		c.Database.Driver, c.Feed.Transport,
		c.Coordinator.HeartbeatInterval, c.Coordinator.StalenessThreshold, c.Coordinator.ConflictRule)
}

// newDefaultsViper returns a viper holding only the defaults.
func newDefaultsViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}
