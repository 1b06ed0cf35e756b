// Package config loads the layered runtime configuration: built-in defaults,
// then an optional YAML file, then TETHER_* environment variables, then
// programmatic overrides. Every value records where it came from so the CLI
// can explain a running setup.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"tether/internal/approval"
	"tether/internal/budget"
	"tether/internal/cache"
	"tether/internal/observability"
	"tether/internal/permission"
)

// Config is the full runtime configuration for a tether process.
type Config struct {
	// Actor is recorded on every task and approval this process creates.
	Actor string `yaml:"actor" validate:"required"`
	// WorkDir roots the built-in file tools.
	WorkDir string `yaml:"work_dir"`

	Budget     budget.Limits    `yaml:"budget"`
	Loop       LoopConfig       `yaml:"loop"`
	Cache      CacheConfig      `yaml:"cache"`
	Permission PermissionConfig `yaml:"permission"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Server     ServerConfig     `yaml:"server"`

	// Observability shares the section observability.LoadConfig reads, so a
	// single config file serves both loaders.
	Observability observability.Config `yaml:"observability"`
}

// LoopConfig tunes the execution loop.
type LoopConfig struct {
	// MaxRetries bounds transient retries and the consecutive denial/failure
	// streaks the loop tolerates.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`
	// CheckpointEvery saves a checkpoint after that many recorded steps.
	// Negative disables checkpointing.
	CheckpointEvery int `yaml:"checkpoint_every"`
}

// CacheConfig switches the tool-result cache and carries its tuning.
type CacheConfig struct {
	Enabled bool         `yaml:"enabled"`
	Tiered  cache.Config `yaml:",inline"`
}

// PermissionConfig selects the permission policy.
type PermissionConfig struct {
	// PolicyFile points at a YAML policy document. Empty falls back to
	// permission.DefaultPolicy.
	PolicyFile string `yaml:"policy_file"`
	// Policy is an inline policy; when present it wins over PolicyFile.
	Policy *permission.Policy `yaml:"policy"`
}

// ApprovalConfig tunes the approval broker and resolver.
type ApprovalConfig struct {
	// Timeout bounds how long a request may stay pending before it expires.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`
	// Mode picks the resolver: interactive prompts on the terminal,
	// auto-approve / auto-deny resolve without asking, console leaves
	// resolution to the approval server.
	Mode string `yaml:"mode" validate:"omitempty,oneof=interactive auto-approve auto-deny console"`
}

// CheckpointConfig selects the checkpoint store.
type CheckpointConfig struct {
	// Backend is file or badger; empty disables checkpoint persistence.
	Backend string `yaml:"backend" validate:"omitempty,oneof=file badger"`
	Dir     string `yaml:"dir"`
	// Resume seeds new runs from the latest stored checkpoint.
	Resume bool `yaml:"resume"`
}

// ServerConfig tunes the approval console server.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"omitempty,hostname_port"`
	// AllowOrigins lists CORS origins; "*" allows all.
	AllowOrigins []string `yaml:"allow_origins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Actor:   "tether",
		WorkDir: ".",
		Budget: budget.Limits{
			MaxSteps:    20,
			MaxTokens:   150000,
			MaxCostUSD:  2.0,
			MaxDuration: 10 * time.Minute,
		},
		Loop: LoopConfig{
			MaxRetries:      3,
			CheckpointEvery: 5,
		},
		Cache: CacheConfig{
			Enabled: true,
			Tiered:  cache.DefaultConfig(),
		},
		Approval: ApprovalConfig{
			Timeout: approval.DefaultTimeout,
			Mode:    "interactive",
		},
		Checkpoint: CheckpointConfig{
			Backend: "file",
			Dir:     "~/.tether/checkpoints",
		},
		Server: ServerConfig{
			Addr:         ":8420",
			AllowOrigins: []string{"*"},
		},
		Observability: observability.DefaultConfig(),
	}
}

var validate = validator.New()

// Validate checks the merged configuration. Tag validation covers enums and
// ranges; the checks below cover constraints tags cannot express.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Budget.MaxSteps < 0 || c.Budget.MaxTokens < 0 || c.Budget.MaxCostUSD < 0 || c.Budget.MaxDuration < 0 {
		return fmt.Errorf("config: budget limits must be non-negative")
	}
	if t := c.Cache.Tiered.SimilarityThreshold; t < 0 || t > 1 {
		return fmt.Errorf("config: cache similarity_threshold %v outside [0, 1]", t)
	}
	if c.Checkpoint.Backend != "" && c.Checkpoint.Dir == "" {
		return fmt.Errorf("config: checkpoint backend %q needs a dir", c.Checkpoint.Backend)
	}
	return nil
}
