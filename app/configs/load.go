package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadConfigFile reads path with defaults filled in, without rewriting the
// file. A missing file yields the defaults.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := defaultConfig()
		applyDefaults(&cfg)
		return cfg, nil
	}
	if err != nil {
		return Config{}, err
	}
	return decodeConfig(data)
}

func decodeConfig(data []byte) (Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}
