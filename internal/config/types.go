package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete drover master configuration.
type Config struct {
	Master       Master                  `yaml:"master"`
	Cache        CacheConfig             `yaml:"cache"`
	API          APIConfig               `yaml:"api,omitempty"`
	Batch        BatchConfig             `yaml:"batch,omitempty"`
	Nodegroups   map[string]NodegroupDef `yaml:"nodegroups,omitempty"`
	PublisherACL map[string][]any        `yaml:"publisher_acl,omitempty"`
}

// Master defines core master settings.
type Master struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
	// KeysDir is the accepted-key directory: one file per accepted minion,
	// filename = minion identity.
	KeysDir string `yaml:"keys_dir"`
	PidFile string `yaml:"pid_file,omitempty"`
}

// CacheConfig defines minion-data cache storage settings.
type CacheConfig struct {
	Path string `yaml:"path"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the legacy single bearer token (admin/full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes. Name doubles as the
// requester identity checked against the publisher ACL.
type APIToken struct {
	Name   string   `yaml:"name,omitempty"`
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// BatchConfig defines defaults for wave-based job execution.
type BatchConfig struct {
	// Size is the default wave size: an absolute count ("10") or a
	// percentage of the discovered minions ("25%").
	Size string `yaml:"size,omitempty"`
	// GatherJobTimeout bounds the presence ping and each liveness probe.
	GatherJobTimeout time.Duration `yaml:"gather_job_timeout"`
	// Delay is the debounce between a minion completing and the next
	// wave computation.
	Delay time.Duration `yaml:"delay"`
	// PollInterval is the synchronous runner's per-poll wait for returns.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	// EmptyPollRetries is how many empty return polls the synchronous
	// runner tolerates per wave before moving on.
	EmptyPollRetries int `yaml:"empty_poll_retries"`
}

// NodegroupDef is a named target expression: either a single compound
// expression string or an explicit token list.
type NodegroupDef struct {
	Tokens []string
}

// UnmarshalYAML accepts both scalar ("L@web1,web2 and G@os:linux") and
// sequence (["L@web1,web2", "and", "G@os:linux"]) forms.
func (n *NodegroupDef) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		n.Tokens = splitExpression(s)
		return nil
	case yaml.SequenceNode:
		var tokens []string
		if err := value.Decode(&tokens); err != nil {
			return err
		}
		n.Tokens = tokens
		return nil
	default:
		return fmt.Errorf("nodegroup must be a string or a list of tokens")
	}
}

// MarshalYAML renders the canonical single-string form.
func (n NodegroupDef) MarshalYAML() (any, error) {
	return joinTokens(n.Tokens), nil
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Master: Master{
			Name:     "drover",
			LogLevel: "info",
			KeysDir:  "./data/keys/accepted",
		},
		Cache: CacheConfig{
			Path: "./data/cache.db",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:4506",
			Auth: APIAuthConfig{
				APIKey: "",
			},
		},
		Batch: BatchConfig{
			GatherJobTimeout: 10 * time.Second,
			Delay:            1 * time.Second,
			PollInterval:     1 * time.Second,
			EmptyPollRetries: 3,
		},
		Nodegroups:   make(map[string]NodegroupDef),
		PublisherACL: make(map[string][]any),
	}
}
