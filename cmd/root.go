// Package cmd implements the CLI commands using Cobra.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"embedres/internal/config"
	"embedres/internal/logging"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Global flags
var (
	flagConfig        string
	flagJSON          bool
	flagDebug         bool
	flagWorkers       int
	flagBranchTimeout time.Duration
	flagDeadline      time.Duration
	flagMaxDepth      int
	flagReferer       string
	flagCookies       []string
	flagAllowHTTP     bool
)

// cfg holds the loaded configuration (merged: defaults < config file < flags).
var cfg *config.Config

var logger = logging.Discard()

var rootCmd = &cobra.Command{
	Use:   "embedres [reference]",
	Short: "Resolve embed links to playable streams",
	Long: `embedres turns a source page URL or a server|token reference into
playable stream URLs: it decodes obfuscated embed payloads, follows nested
player pages and hands the terminal page to a stream extractor.`,
	Args:              cobra.MaximumNArgs(1),
	PersistentPreRunE: loadConfig,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		return resolveRun(cmd, args)
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "Config file (default: $XDG_CONFIG_HOME/embedres/config.toml)")
	pf.BoolVarP(&flagJSON, "json", "j", false, "Output as JSON")
	pf.BoolVarP(&flagDebug, "debug", "x", false, "Debug logging to stderr")
	pf.IntVarP(&flagWorkers, "workers", "w", 0, "Concurrent candidate branches")
	pf.DurationVar(&flagBranchTimeout, "branch-timeout", 0, "Timeout for one candidate branch")
	pf.DurationVar(&flagDeadline, "deadline", 0, "Deadline for the whole resolution")
	pf.IntVar(&flagMaxDepth, "max-depth", 0, "Maximum nested player hops")
	pf.StringVar(&flagReferer, "referer", "", "Referer sent with the first request")
	pf.StringArrayVar(&flagCookies, "cookie", nil, "Session cookie name=value (repeatable)")
	pf.BoolVar(&flagAllowHTTP, "allow-http", false, "Allow plain http URLs")

	rootCmd.Flags().AddFlagSet(resolveFlags())

	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(decodeCmd)
	rootCmd.AddCommand(canonicalizeCmd)
	rootCmd.AddCommand(followCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads and merges configuration: defaults < config file < CLI flags.
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	if flagConfig != "" {
		cfg, err = config.LoadFile(flagConfig)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// CLI flags override config file values
	flags := cmd.Flags()
	if flags.Changed("workers") {
		cfg.Workers = flagWorkers
	}
	if flags.Changed("branch-timeout") {
		cfg.BranchTimeout = config.Duration{Duration: flagBranchTimeout}
	}
	if flags.Changed("deadline") {
		cfg.Deadline = config.Duration{Duration: flagDeadline}
	}
	if flags.Changed("max-depth") {
		cfg.MaxDepth = flagMaxDepth
	}
	if flagAllowHTTP {
		cfg.AllowHTTP = true
	}
	if flagDebug {
		cfg.Debug = true
	}

	// Re-validate after flag overrides
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger = logging.New(os.Stderr, cfg.Debug)
	logger.Debug("config loaded", "workers", cfg.Workers, "branch_timeout", cfg.BranchTimeout, "deadline", cfg.Deadline)
	return nil
}

// componentLogger scopes the CLI logger to one engine component.
func componentLogger(name string) *log.Logger {
	return logger.With("component", name)
}
