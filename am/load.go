package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/genq/errors"
)

// EnvPrefix prefixes every environment override (GENQ_COORDINATOR_POLL_INTERVAL, ...).
const EnvPrefix = "GENQ"

// ProjectConfigName is searched for from the working directory upwards.
const ProjectConfigName = "genq.toml"

var (
	mu             sync.Mutex
	globalConfig   *Config
	viperInstance  *viper.Viper
	explicitConfig string

	// ConfigSources records which file each key was last set by during loading.
	ConfigSources = map[string]SourceInfo{}
)

// Load reads the genq configuration using Viper
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	v, err := initViper()
	if err != nil {
		return nil, err
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}

	globalConfig = config
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() (*viper.Viper, error) {
	mu.Lock()
	defer mu.Unlock()
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path, on top of the defaults
func LoadFromFile(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	// Set defaults but don't bind environment variables for this specific load
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load config from %s", configPath)
	}
	return config, nil
}

// SetConfigFile makes path the highest-precedence config file (the --config flag).
// It resets the cached configuration.
func SetConfigFile(path string) {
	mu.Lock()
	defer mu.Unlock()
	explicitConfig = path
	globalConfig = nil
	viperInstance = nil
}

// Reset clears the cached configuration (useful for testing and reload)
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
}

// initViper initializes Viper with configuration sources and defaults.
// Caller holds mu.
func initViper() (*viper.Viper, error) {
	if viperInstance != nil {
		return viperInstance, nil
	}

	v := viper.New()

	// Set up environment variable binding
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Bind specific sensitive configuration values to environment variables
	BindSensitiveEnvVars(v)

	SetDefaults(v)

	// Merge config files in precedence order: system -> user -> project -> explicit.
	// Env vars sit above all of them.
	if err := mergeConfigFiles(v); err != nil {
		return nil, err
	}

	viperInstance = v
	return v, nil
}

// candidateFile is one place a config file may live.
type candidateFile struct {
	path   string
	source ConfigSource
}

// ConfigPaths lists config file locations in increasing precedence, whether
// or not they exist.
func ConfigPaths() []string {
	mu.Lock()
	defer mu.Unlock()
	paths := make([]string, 0, 4)
	for _, c := range candidateFiles() {
		paths = append(paths, c.path)
	}
	return paths
}

// ActiveConfigFiles returns the config files that exist, in increasing precedence.
func ActiveConfigFiles() []string {
	var active []string
	for _, path := range ConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			active = append(active, path)
		}
	}
	return active
}

func candidateFiles() []candidateFile {
	files := []candidateFile{{path: "/etc/genq/config.toml", source: SourceSystem}}

	if homeDir, err := os.UserHomeDir(); err == nil {
		files = append(files, candidateFile{
			path:   filepath.Join(homeDir, ".genq", "config.toml"),
			source: SourceUser,
		})
	}
	if project := findProjectConfig(); project != "" {
		files = append(files, candidateFile{path: project, source: SourceProject})
	}
	if explicitConfig != "" {
		files = append(files, candidateFile{path: explicitConfig, source: SourceExplicit})
	}
	return files
}

// findProjectConfig searches for genq.toml by walking up the directory tree.
// Returns the path to the first config file found, or empty string if none found.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		path := filepath.Join(dir, ProjectConfigName)
		if _, err := os.Stat(path); err == nil {
			return path
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges each existing config file into v and records the
// source of every key it sets. A missing explicit file is an error; other
// missing files are skipped.
func mergeConfigFiles(v *viper.Viper) error {
	sources := map[string]SourceInfo{}

	for _, candidate := range candidateFiles() {
		if _, err := os.Stat(candidate.path); err != nil {
			if candidate.source == SourceExplicit {
				return errors.Wrapf(err, "config file %s", candidate.path)
			}
			continue
		}

		fileViper := viper.New()
		fileViper.SetConfigFile(candidate.path)
		fileViper.SetConfigType("toml")
		if err := fileViper.ReadInConfig(); err != nil {
			return errors.WithHint(
				errors.Wrapf(err, "failed to parse config file %s", candidate.path),
				"genq config files are TOML",
			)
		}
		if err := v.MergeConfigMap(fileViper.AllSettings()); err != nil {
			return errors.Wrapf(err, "failed to merge config file %s", candidate.path)
		}
		for _, key := range fileViper.AllKeys() {
			sources[key] = SourceInfo{Source: candidate.source, Path: candidate.path}
		}
	}

	ConfigSources = sources
	return nil
}
