package main

import (
	"fmt"
	"os"

	fablink "github.com/fablink-app/fablink-go"
	"go.uber.org/zap"
)

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// newLogger builds the CLI logger. Debug output goes to stderr so it never
// interleaves with rendered chat output on stdout.
func newLogger() *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// getClient creates a Fablink client authenticated with the stored token.
func getClient() (*fablink.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'fablink login <token>' first.")
		os.Exit(1)
	}

	opts := []fablink.ClientOption{fablink.WithLogger(newLogger())}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, fablink.WithBaseURL(cfg.Default.BaseURL))
	}

	return fablink.NewClient(cfg.Auth.Token, opts...), cfg
}

// sessionRole parses the configured role, defaulting to buyer.
func sessionRole(cfg *Config) fablink.Role {
	switch cfg.Auth.Role {
	case string(fablink.RoleManufacturer):
		return fablink.RoleManufacturer
	default:
		return fablink.RoleBuyer
	}
}
