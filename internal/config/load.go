package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValueSource describes where a configuration value originated from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "environment"
	SourceOverride ValueSource = "override"
)

// Metadata contains provenance details for a loaded configuration.
type Metadata struct {
	sources  map[string]ValueSource
	path     string
	loadedAt time.Time
}

// Source returns the origin of the given field, addressed by its dotted YAML
// path ("budget.max_steps", "approval.mode").
func (m Metadata) Source(field string) ValueSource {
	if m.sources == nil {
		return SourceDefault
	}
	if src, ok := m.sources[field]; ok {
		return src
	}
	return SourceDefault
}

// Path returns the config file that was read, empty when none was.
func (m Metadata) Path() string {
	return m.path
}

// LoadedAt returns when the configuration was constructed.
func (m Metadata) LoadedAt() time.Time {
	return m.loadedAt
}

// EnvLookup resolves one environment variable.
type EnvLookup func(string) (string, bool)

// DefaultEnvLookup delegates to os.LookupEnv.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Overrides conveys caller-specified values that win over every other source.
// Nil fields leave the merged value alone.
type Overrides struct {
	Actor   *string
	WorkDir *string

	MaxSteps    *int
	MaxTokens   *int
	MaxCostUSD  *float64
	MaxDuration *time.Duration

	MaxRetries      *int
	CheckpointEvery *int

	CacheEnabled *bool

	PolicyFile *string

	ApprovalTimeout *time.Duration
	ApprovalMode    *string

	CheckpointBackend *string
	CheckpointDir     *string
	Resume            *bool

	ServerAddr *string

	LogLevel  *string
	LogFormat *string
}

// Option customises the loader behaviour.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup  EnvLookup
	readFile   func(string) ([]byte, error)
	homeDir    func() (string, error)
	overrides  Overrides
	configPath string
}

// WithEnv supplies a custom environment lookup implementation.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) {
		o.envLookup = lookup
	}
}

// WithOverrides applies caller overrides that take highest precedence.
func WithOverrides(overrides Overrides) Option {
	return func(o *loadOptions) {
		o.overrides = overrides
	}
}

// WithConfigPath forces the loader to read configuration from a specific
// file. A missing explicit file is an error; the default location is not.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) {
		o.configPath = path
	}
}

// WithFileReader injects a custom reader, used primarily for tests.
func WithFileReader(reader func(string) ([]byte, error)) Option {
	return func(o *loadOptions) {
		o.readFile = reader
	}
}

// WithHomeDir overrides how the loader resolves the user's home directory.
func WithHomeDir(resolver func() (string, error)) Option {
	return func(o *loadOptions) {
		o.homeDir = resolver
	}
}

// Load constructs the configuration by merging defaults, file, environment
// and overrides, then validating the result.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, loadedAt: time.Now()}
	cfg := Default()

	if err := applyFile(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	if err := applyEnv(&cfg, &meta, options); err != nil {
		return Config{}, Metadata{}, err
	}
	applyOverrides(&cfg, &meta, options.overrides)

	normalize(&cfg, options)

	if err := cfg.Validate(); err != nil {
		return Config{}, Metadata{}, err
	}
	return cfg, meta, nil
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".tether", "config.yaml")
}

func applyFile(cfg *Config, meta *Metadata, opts loadOptions) error {
	path := opts.configPath
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath(opts.homeDir)
		if path == "" {
			return nil
		}
	}

	data, err := opts.readFile(path)
	if err != nil {
		if !explicit && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	// Unmarshalling over the defaults gives merge semantics: only keys
	// present in the file change anything.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	meta.path = path
	recordFileSources(data, meta)
	return nil
}

func defaultConfigPath(homeDir func() (string, error)) string {
	if homeDir == nil {
		return ""
	}
	home, err := homeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, ".tether", "config.yaml")
}

// recordFileSources re-reads the document as a node tree and marks every
// scalar or sequence leaf it finds as file-sourced.
func recordFileSources(data []byte, meta *Metadata) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil || len(doc.Content) == 0 {
		return
	}
	walkFileNode(doc.Content[0], "", meta.sources)
}

func walkFileNode(node *yaml.Node, prefix string, sources map[string]ValueSource) {
	if node.Kind != yaml.MappingNode {
		if prefix != "" {
			sources[prefix] = SourceFile
		}
		return
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		path := node.Content[i].Value
		if prefix != "" {
			path = prefix + "." + path
		}
		walkFileNode(node.Content[i+1], path, sources)
	}
}

func applyEnv(cfg *Config, meta *Metadata, opts loadOptions) error {
	lookup := opts.envLookup
	if lookup == nil {
		lookup = DefaultEnvLookup
	}
	set := func(field string) {
		meta.sources[field] = SourceEnv
	}

	if value, ok := lookup("TETHER_ACTOR"); ok && value != "" {
		cfg.Actor = value
		set("actor")
	}
	if value, ok := lookup("TETHER_WORK_DIR"); ok && value != "" {
		cfg.WorkDir = value
		set("work_dir")
	}

	if value, ok := lookup("TETHER_MAX_STEPS"); ok && value != "" {
		n, err := parseIntEnv("TETHER_MAX_STEPS", value)
		if err != nil {
			return err
		}
		cfg.Budget.MaxSteps = n
		set("budget.max_steps")
	}
	if value, ok := lookup("TETHER_MAX_TOKENS"); ok && value != "" {
		n, err := parseIntEnv("TETHER_MAX_TOKENS", value)
		if err != nil {
			return err
		}
		cfg.Budget.MaxTokens = n
		set("budget.max_tokens")
	}
	if value, ok := lookup("TETHER_MAX_COST_USD"); ok && value != "" {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("config: TETHER_MAX_COST_USD: %w", err)
		}
		cfg.Budget.MaxCostUSD = f
		set("budget.max_cost_usd")
	}
	if value, ok := lookup("TETHER_MAX_DURATION"); ok && value != "" {
		d, err := parseDurationEnv("TETHER_MAX_DURATION", value)
		if err != nil {
			return err
		}
		cfg.Budget.MaxDuration = d
		set("budget.max_duration")
	}

	if value, ok := lookup("TETHER_MAX_RETRIES"); ok && value != "" {
		n, err := parseIntEnv("TETHER_MAX_RETRIES", value)
		if err != nil {
			return err
		}
		cfg.Loop.MaxRetries = n
		set("loop.max_retries")
	}
	if value, ok := lookup("TETHER_CHECKPOINT_EVERY"); ok && value != "" {
		n, err := parseIntEnv("TETHER_CHECKPOINT_EVERY", value)
		if err != nil {
			return err
		}
		cfg.Loop.CheckpointEvery = n
		set("loop.checkpoint_every")
	}

	if value, ok := lookup("TETHER_CACHE_ENABLED"); ok && value != "" {
		b, err := parseBoolEnv("TETHER_CACHE_ENABLED", value)
		if err != nil {
			return err
		}
		cfg.Cache.Enabled = b
		set("cache.enabled")
	}
	if value, ok := lookup("TETHER_CACHE_TTL"); ok && value != "" {
		d, err := parseDurationEnv("TETHER_CACHE_TTL", value)
		if err != nil {
			return err
		}
		cfg.Cache.Tiered.DefaultTTL = d
		set("cache.default_ttl")
	}

	if value, ok := lookup("TETHER_POLICY_FILE"); ok && value != "" {
		cfg.Permission.PolicyFile = value
		set("permission.policy_file")
	}

	if value, ok := lookup("TETHER_APPROVAL_TIMEOUT"); ok && value != "" {
		d, err := parseDurationEnv("TETHER_APPROVAL_TIMEOUT", value)
		if err != nil {
			return err
		}
		cfg.Approval.Timeout = d
		set("approval.timeout")
	}
	if value, ok := lookup("TETHER_APPROVAL_MODE"); ok && value != "" {
		cfg.Approval.Mode = value
		set("approval.mode")
	}

	if value, ok := lookup("TETHER_CHECKPOINT_BACKEND"); ok && value != "" {
		cfg.Checkpoint.Backend = value
		set("checkpoint.backend")
	}
	if value, ok := lookup("TETHER_CHECKPOINT_DIR"); ok && value != "" {
		cfg.Checkpoint.Dir = value
		set("checkpoint.dir")
	}

	if value, ok := lookup("TETHER_SERVER_ADDR"); ok && value != "" {
		cfg.Server.Addr = value
		set("server.addr")
	}

	if value, ok := lookup("TETHER_LOG_LEVEL"); ok && value != "" {
		cfg.Observability.Logging.Level = value
		set("observability.logging.level")
	}
	if value, ok := lookup("TETHER_LOG_FORMAT"); ok && value != "" {
		cfg.Observability.Logging.Format = value
		set("observability.logging.format")
	}

	return nil
}

func applyOverrides(cfg *Config, meta *Metadata, overrides Overrides) {
	set := func(field string) {
		meta.sources[field] = SourceOverride
	}

	if overrides.Actor != nil {
		cfg.Actor = *overrides.Actor
		set("actor")
	}
	if overrides.WorkDir != nil {
		cfg.WorkDir = *overrides.WorkDir
		set("work_dir")
	}
	if overrides.MaxSteps != nil {
		cfg.Budget.MaxSteps = *overrides.MaxSteps
		set("budget.max_steps")
	}
	if overrides.MaxTokens != nil {
		cfg.Budget.MaxTokens = *overrides.MaxTokens
		set("budget.max_tokens")
	}
	if overrides.MaxCostUSD != nil {
		cfg.Budget.MaxCostUSD = *overrides.MaxCostUSD
		set("budget.max_cost_usd")
	}
	if overrides.MaxDuration != nil {
		cfg.Budget.MaxDuration = *overrides.MaxDuration
		set("budget.max_duration")
	}
	if overrides.MaxRetries != nil {
		cfg.Loop.MaxRetries = *overrides.MaxRetries
		set("loop.max_retries")
	}
	if overrides.CheckpointEvery != nil {
		cfg.Loop.CheckpointEvery = *overrides.CheckpointEvery
		set("loop.checkpoint_every")
	}
	if overrides.CacheEnabled != nil {
		cfg.Cache.Enabled = *overrides.CacheEnabled
		set("cache.enabled")
	}
	if overrides.PolicyFile != nil {
		cfg.Permission.PolicyFile = *overrides.PolicyFile
		set("permission.policy_file")
	}
	if overrides.ApprovalTimeout != nil {
		cfg.Approval.Timeout = *overrides.ApprovalTimeout
		set("approval.timeout")
	}
	if overrides.ApprovalMode != nil {
		cfg.Approval.Mode = *overrides.ApprovalMode
		set("approval.mode")
	}
	if overrides.CheckpointBackend != nil {
		cfg.Checkpoint.Backend = *overrides.CheckpointBackend
		set("checkpoint.backend")
	}
	if overrides.CheckpointDir != nil {
		cfg.Checkpoint.Dir = *overrides.CheckpointDir
		set("checkpoint.dir")
	}
	if overrides.Resume != nil {
		cfg.Checkpoint.Resume = *overrides.Resume
		set("checkpoint.resume")
	}
	if overrides.ServerAddr != nil {
		cfg.Server.Addr = *overrides.ServerAddr
		set("server.addr")
	}
	if overrides.LogLevel != nil {
		cfg.Observability.Logging.Level = *overrides.LogLevel
		set("observability.logging.level")
	}
	if overrides.LogFormat != nil {
		cfg.Observability.Logging.Format = *overrides.LogFormat
		set("observability.logging.format")
	}
}

func normalize(cfg *Config, opts loadOptions) {
	cfg.Actor = strings.TrimSpace(cfg.Actor)
	cfg.WorkDir = strings.TrimSpace(cfg.WorkDir)
	cfg.Approval.Mode = strings.ToLower(strings.TrimSpace(cfg.Approval.Mode))
	cfg.Checkpoint.Backend = strings.ToLower(strings.TrimSpace(cfg.Checkpoint.Backend))
	cfg.Server.Addr = strings.TrimSpace(cfg.Server.Addr)

	cfg.Permission.PolicyFile = expandHome(strings.TrimSpace(cfg.Permission.PolicyFile), opts.homeDir)
	cfg.Checkpoint.Dir = expandHome(strings.TrimSpace(cfg.Checkpoint.Dir), opts.homeDir)
	cfg.Cache.Tiered.PersistPath = expandHome(strings.TrimSpace(cfg.Cache.Tiered.PersistPath), opts.homeDir)
	cfg.WorkDir = expandHome(cfg.WorkDir, opts.homeDir)

	if cfg.WorkDir == "" {
		cfg.WorkDir = "."
	}
	if cfg.Approval.Timeout <= 0 {
		cfg.Approval.Timeout = Default().Approval.Timeout
	}
	if cfg.Cache.Tiered.MaxSize <= 0 {
		cfg.Cache.Tiered.MaxSize = Default().Cache.Tiered.MaxSize
	}
}

func expandHome(path string, homeDir func() (string, error)) string {
	if path == "" || !strings.HasPrefix(path, "~") || homeDir == nil {
		return path
	}
	home, err := homeDir()
	if err != nil || home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func parseIntEnv(key, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func parseBoolEnv(key, value string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return b, nil
}

func parseDurationEnv(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
