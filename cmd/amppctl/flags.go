package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Workload        string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("AMPPCTL_CONFIG", "configs/amppctl.yaml"),
		"Path to configuration file (env: AMPPCTL_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("AMPPCTL_CONFIG", "configs/amppctl.yaml"),
		"Path to configuration file (env: AMPPCTL_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("AMPPCTL_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error; overrides config (env: AMPPCTL_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("AMPPCTL_LOG_FORMAT", ""),
		"Log format: json, text; overrides config (env: AMPPCTL_LOG_FORMAT)")

	flag.StringVar(&cfg.Workload, "workload",
		getEnv("AMPPCTL_WORKLOAD", ""),
		"Workload ID to subscribe to and ping (env: AMPPCTL_WORKLOAD)")

	flag.StringVar(&cfg.Workload, "w",
		getEnv("AMPPCTL_WORKLOAD", ""),
		"Workload ID to subscribe to and ping (env: AMPPCTL_WORKLOAD)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("AMPPCTL_DEBUG", false),
		"Enable debug mode (env: AMPPCTL_DEBUG)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("AMPPCTL_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: AMPPCTL_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	// Custom usage
	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	// Override log level if debug is set
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	// Validate config file exists
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}

	// Empty means "use the config file value"
	validLevels := []string{"", "debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"", "json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - AMPP platform notification client

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Run with custom config
  %s --config=/path/to/amppctl.yaml

  # Subscribe to a workload and ping it
  %s --workload=7f3a1c2e-0b4d-4a8e-9c6f-d2e5b8a91034

  # Run with debug logging
  %s --log-level=debug --log-format=text

  # Run with environment variables
  export AMPPCTL_CONFIG=/etc/amppctl/config.yaml
  export AMPP_API_KEY=...
  %s

  # Validate configuration only
  %s --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
