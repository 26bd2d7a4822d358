package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or a directory containing
// config.yaml. Environment variable references of the form ${VAR} are
// interpolated before parsing. If a .checksums manifest exists next to the
// config, every config file is verified against it.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	if err := verifyConfigChecksums(absPath); err != nil {
		return nil, err
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}

	cfg = applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $DROVER_CONFIG_DIR, ~/.config/drover, /etc/drover, ./config.yaml (legacy)
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("DROVER_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "drover")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/drover"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	legacyConfigPath := "./config.yaml"
	if _, err := os.Stat(legacyConfigPath); err == nil {
		return legacyConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $DROVER_CONFIG_DIR, ~/.config/drover, /etc/drover, ./config.yaml)")
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	interpolated := interpolateEnvVars(string(data))

	cfg := &Config{}
	if err := unmarshalStrict([]byte(interpolated), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// interpolateEnvVars replaces ${VAR} with the environment value. Unset
// variables interpolate to the empty string; validation catches the fallout.
func interpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})
}

func applyDefaults(cfg *Config) *Config {
	def := Defaults()

	if cfg.Master.Name == "" {
		cfg.Master.Name = def.Master.Name
	}
	if cfg.Master.LogLevel == "" {
		cfg.Master.LogLevel = def.Master.LogLevel
	}
	if cfg.Master.KeysDir == "" {
		cfg.Master.KeysDir = def.Master.KeysDir
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = def.Cache.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = def.API.Listen
	}
	if cfg.Batch.GatherJobTimeout <= 0 {
		cfg.Batch.GatherJobTimeout = def.Batch.GatherJobTimeout
	}
	if cfg.Batch.Delay <= 0 {
		cfg.Batch.Delay = def.Batch.Delay
	}
	if cfg.Batch.PollInterval <= 0 {
		cfg.Batch.PollInterval = def.Batch.PollInterval
	}
	if cfg.Batch.EmptyPollRetries <= 0 {
		cfg.Batch.EmptyPollRetries = def.Batch.EmptyPollRetries
	}
	if cfg.Nodegroups == nil {
		cfg.Nodegroups = make(map[string]NodegroupDef)
	}
	if cfg.PublisherACL == nil {
		cfg.PublisherACL = make(map[string][]any)
	}
	return cfg
}

// splitExpression tokenizes a compound expression string on whitespace.
func splitExpression(s string) []string {
	return strings.Fields(s)
}

func joinTokens(tokens []string) string {
	return strings.Join(tokens, " ")
}
