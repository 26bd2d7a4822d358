package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// unmarshalStrict decodes YAML rejecting unknown fields, so a typoed key
// fails at load time instead of silently applying defaults.
func unmarshalStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

// validate checks structural constraints that must hold before the master
// starts. Targeting-level problems (bad nodegroup references, malformed ACL
// entries) are deliberately NOT fatal here — they degrade at evaluation time
// and are surfaced by `drover config check`.
func validate(cfg *Config) error {
	if cfg.Master.Name == "" {
		return fmt.Errorf("master.name is required")
	}
	if cfg.Master.KeysDir == "" {
		return fmt.Errorf("master.keys_dir is required")
	}
	if cfg.Cache.Path == "" {
		return fmt.Errorf("cache.path is required")
	}

	switch strings.ToUpper(cfg.Master.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("master.log_level %q is not one of debug, info, warn, error", cfg.Master.LogLevel)
	}

	if cfg.API.Enabled {
		host, port, err := net.SplitHostPort(cfg.API.Listen)
		if err != nil {
			return fmt.Errorf("api.listen %q is not host:port: %w", cfg.API.Listen, err)
		}
		if host == "" {
			return fmt.Errorf("api.listen %q must specify a host", cfg.API.Listen)
		}
		if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("api.listen %q has a non-numeric port", cfg.API.Listen)
		}
		if cfg.API.Auth.APIKey == "" && len(cfg.API.Auth.Tokens) == 0 {
			return fmt.Errorf("api.enabled requires api.auth.api_key or api.auth.tokens")
		}
		for i, tok := range cfg.API.Auth.Tokens {
			if tok.Token == "" {
				return fmt.Errorf("api.auth.tokens[%d]: token is empty", i)
			}
		}
	}

	if cfg.Batch.GatherJobTimeout <= 0 {
		return fmt.Errorf("batch.gather_job_timeout must be positive")
	}
	if cfg.Batch.Delay <= 0 {
		return fmt.Errorf("batch.delay must be positive")
	}

	for name, group := range cfg.Nodegroups {
		if name == "" {
			return fmt.Errorf("nodegroups: empty group name")
		}
		if len(group.Tokens) == 0 {
			return fmt.Errorf("nodegroup %q is empty", name)
		}
	}

	return nil
}
