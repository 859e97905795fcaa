package am

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/genq/errors"
)

// UserConfigPath returns ~/.genq/config.toml
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".genq", "config.toml")
}

// WritableConfigPath is where SetValue writes: the --config file if one was
// given, otherwise the user config.
func WritableConfigPath() string {
	mu.Lock()
	explicit := explicitConfig
	mu.Unlock()
	if explicit != "" {
		return explicit
	}
	return UserConfigPath()
}

// SetValue writes key = raw into the writable config file, keeping rotating
// backups. raw is parsed as a bool or number when it looks like one. Running
// workers pick the change up through their ConfigWatcher.
func SetValue(key, raw string) (string, error) {
	if !knownKey(key) {
		return "", errors.Newf("unknown config key %q", key)
	}

	configPath := WritableConfigPath()
	if configPath == "" {
		return "", errors.New("could not determine home directory")
	}

	config, err := readTOML(configPath)
	if err != nil {
		return "", err
	}
	setNested(config, strings.Split(key, "."), parseValue(raw))

	if err := checkValid(config); err != nil {
		return "", err
	}
	if err := writeTOML(configPath, config); err != nil {
		return "", err
	}
	return configPath, nil
}

func knownKey(key string) bool {
	v := newDefaultsViper()
	return v.IsSet(key)
}

func parseValue(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

// checkValid rejects an edit that would leave the coordinator settings invalid.
func checkValid(config map[string]interface{}) error {
	v := newDefaultsViper()
	if err := v.MergeConfigMap(config); err != nil {
		return errors.Wrap(err, "failed to merge edited config")
	}
	cfg, err := LoadWithViper(v)
	if err != nil {
		return err
	}
	return cfg.Coordinator.Validate()
}

func readTOML(configPath string) (map[string]interface{}, error) {
	config := map[string]interface{}{}
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", configPath)
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}
	return config, nil
}

// writeTOML writes the config with a backup of the previous version
func writeTOML(configPath string, config map[string]interface{}) error {
	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := createBackup(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}
	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", configPath)
	}
	return nil
}

// createBackup creates rotating backups (.back1, .back2, .back3) before modifying config
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	back3 := configPath + ".back3"
	back2 := configPath + ".back2"
	back1 := configPath + ".back1"

	if err := os.Remove(back3); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete old backup %s", back3)
	}
	if _, err := os.Stat(back2); err == nil {
		if err := os.Rename(back2, back3); err != nil {
			return errors.Wrap(err, "failed to rotate .back2 to .back3")
		}
	}
	if _, err := os.Stat(back1); err == nil {
		if err := os.Rename(back1, back2); err != nil {
			return errors.Wrap(err, "failed to rotate .back1 to .back2")
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(back1, content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}
