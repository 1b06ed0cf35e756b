package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tether/internal/config"
)

// Color helpers shared across commands.
var (
	bold   = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "tether",
		Short: "Bounded tool execution with budgets and human approval",
		Long: fmt.Sprintf(`%s

Tether runs scripted tasks through a bounded execution loop: every tool
call is charged against step, token, cost, and duration budgets, checked
against a permission policy, and held for human approval when the policy
demands it. Results of repeated calls come from a tiered cache, and
progress checkpoints make interrupted tasks resumable.

%s
  tether run --plan plan.yaml             # Execute one plan
  tether run --plan a.yaml --plan b.yaml  # Execute plans concurrently
  tether serve --plan plan.yaml           # Route approvals to the web console
  tether config show                      # Show effective configuration`,
			bold("Tether "+version),
			bold("EXAMPLES:")),
	}

	rootCmd.PersistentFlags().String("config", "", "Config file path (default: discovered)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug mode")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newVersionCommand())

	viper.SetConfigName("tether")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.tether")
	viper.AddConfigPath(".")

	return rootCmd
}

// discoverConfigFile finds a config file on the viper search paths. Empty
// means no file, so defaults and environment apply.
func discoverConfigFile() string {
	if err := viper.ReadInConfig(); err == nil {
		return viper.ConfigFileUsed()
	}
	return ""
}

func loadConfig(cmd *cobra.Command) (config.Config, config.Metadata, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = discoverConfigFile()
	}

	opts := []config.Option{config.WithOverrides(overridesFromFlags(cmd))}
	if path != "" {
		opts = append(opts, config.WithConfigPath(path))
	}
	return config.Load(opts...)
}

// overridesFromFlags translates explicitly set flags into loader overrides.
// Unset flags leave the pointer nil so file and environment values survive.
func overridesFromFlags(cmd *cobra.Command) config.Overrides {
	var o config.Overrides
	flags := cmd.Flags()

	if flags.Changed("max-steps") {
		v, _ := flags.GetInt("max-steps")
		o.MaxSteps = &v
	}
	if flags.Changed("max-tokens") {
		v, _ := flags.GetInt("max-tokens")
		o.MaxTokens = &v
	}
	if flags.Changed("max-cost") {
		v, _ := flags.GetFloat64("max-cost")
		o.MaxCostUSD = &v
	}
	if flags.Changed("max-duration") {
		v, _ := flags.GetDuration("max-duration")
		o.MaxDuration = &v
	}
	if flags.Changed("approval") {
		v, _ := flags.GetString("approval")
		o.ApprovalMode = &v
	}
	if flags.Changed("approval-timeout") {
		v, _ := flags.GetDuration("approval-timeout")
		o.ApprovalTimeout = &v
	}
	if flags.Changed("resume") {
		v, _ := flags.GetBool("resume")
		o.Resume = &v
	}
	if flags.Changed("addr") {
		v, _ := flags.GetString("addr")
		o.ServerAddr = &v
	}
	if debug, _ := flags.GetBool("debug"); debug {
		level := "debug"
		o.LogLevel = &level
	}
	return o
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tether %s\n", version)
		},
	}
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration and where each value came from",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, meta, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if meta.Path() != "" {
				fmt.Printf("%s %s\n\n", gray("config file:"), meta.Path())
			} else {
				fmt.Printf("%s\n\n", gray("config file: none, using defaults"))
			}

			show := func(key string, value any) {
				fmt.Printf("  %-26s %-22v %s\n", key, value, gray(string(meta.Source(key))))
			}
			show("actor", cfg.Actor)
			show("work_dir", cfg.WorkDir)
			show("budget.max_steps", cfg.Budget.MaxSteps)
			show("budget.max_tokens", cfg.Budget.MaxTokens)
			show("budget.max_cost_usd", cfg.Budget.MaxCostUSD)
			show("budget.max_duration", cfg.Budget.MaxDuration)
			show("loop.max_retries", cfg.Loop.MaxRetries)
			show("loop.checkpoint_every", cfg.Loop.CheckpointEvery)
			show("cache.enabled", cfg.Cache.Enabled)
			show("cache.max_size", cfg.Cache.Tiered.MaxSize)
			show("cache.default_ttl", cfg.Cache.Tiered.DefaultTTL)
			show("approval.mode", cfg.Approval.Mode)
			show("approval.timeout", cfg.Approval.Timeout)
			show("checkpoint.backend", cfg.Checkpoint.Backend)
			show("checkpoint.dir", cfg.Checkpoint.Dir)
			show("server.addr", cfg.Server.Addr)
			show("observability.logging.level", cfg.Observability.Logging.Level)
			return nil
		},
	})
	return cmd
}

// shutdownTimeout bounds every graceful teardown in the CLI.
const shutdownTimeout = 5 * time.Second
