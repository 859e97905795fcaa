package am

import (
	"os"
	"sort"
	"strings"

	"github.com/teranos/genq/errors"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/genq/config.toml
	SourceUser        ConfigSource = "user"        // ~/.genq/config.toml
	SourceProject     ConfigSource = "project"     // genq.toml found upwards from cwd
	SourceExplicit    ConfigSource = "explicit"    // --config
	SourceEnvironment ConfigSource = "environment" // GENQ_* and the bound deployment env vars
)

// SettingInfo contains metadata about a configuration setting
type SettingInfo struct {
	Key        string       `json:"key" yaml:"key"`
	Value      interface{}  `json:"value" yaml:"value"`
	Source     ConfigSource `json:"source" yaml:"source"`
	SourcePath string       `json:"source_path,omitempty" yaml:"source_path,omitempty"` // File path or env var name
}

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource
	Path   string
}

// ConfigIntrospection provides metadata about the active configuration
type ConfigIntrospection struct {
	ConfigFiles []string      `json:"config_files" yaml:"config_files"`
	Settings    []SettingInfo `json:"settings" yaml:"settings"`
}

// envOverrides maps keys bound to unprefixed env vars.
var envOverrides = map[string][]string{
	"admin.priority_lock_secret": {"GENQ_ADMIN_PRIORITY_LOCK_SECRET", "SECRET_KEY"},
	"admin.maintenance_secret":   {"GENQ_ADMIN_MAINTENANCE_SECRET", "ADMIN_SECRET"},
	"database.url":               {"GENQ_DATABASE_URL", "DATABASE_URL"},
	"feed.redis_url":             {"GENQ_FEED_REDIS_URL", "REDIS_URL"},
}

// GetConfigIntrospection returns every effective setting with its source.
// Sensitive values are redacted.
func GetConfigIntrospection() (*ConfigIntrospection, error) {
	v, err := GetViper()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load config for introspection")
	}

	mu.Lock()
	sources := ConfigSources
	mu.Unlock()

	introspection := &ConfigIntrospection{
		ConfigFiles: ActiveConfigFiles(),
		Settings:    make([]SettingInfo, 0),
	}

	keys := v.AllKeys()
	sort.Strings(keys)
	for _, key := range keys {
		info := SourceInfo{Source: SourceDefault, Path: "built-in default"}
		if si, ok := sources[key]; ok {
			info = si
		}
		if env := envSource(key); env != "" {
			info = SourceInfo{Source: SourceEnvironment, Path: env}
		}

		value := v.Get(key)
		if IsSensitive(key) {
			value = Redact(value)
		}
		introspection.Settings = append(introspection.Settings, SettingInfo{
			Key:        key,
			Value:      value,
			Source:     info.Source,
			SourcePath: info.Path,
		})
	}

	return introspection, nil
}

// envSource returns the env var overriding key, if one is set.
func envSource(key string) string {
	names, ok := envOverrides[key]
	if !ok {
		names = []string{EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))}
	}
	for _, name := range names {
		if _, set := os.LookupEnv(name); set {
			return name
		}
	}
	return ""
}

// RedactedSettings returns the effective settings as a nested map, with
// secrets masked, for rendering as TOML, JSON or YAML.
func RedactedSettings() (map[string]interface{}, error) {
	v, err := GetViper()
	if err != nil {
		return nil, err
	}

	out := map[string]interface{}{}
	for _, key := range v.AllKeys() {
		value := v.Get(key)
		if IsSensitive(key) {
			value = Redact(value)
		}
		setNested(out, strings.Split(key, "."), value)
	}
	return out, nil
}

func setNested(m map[string]interface{}, path []string, value interface{}) {
	for _, part := range path[:len(path)-1] {
		next, ok := m[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			m[part] = next
		}
		m = next
	}
	m[path[len(path)-1]] = value
}
