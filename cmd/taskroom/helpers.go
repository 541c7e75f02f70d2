package main

import (
	"fmt"
	"os"

	taskroom "github.com/TaskRoom-App/TaskRoom/sdk/golang"
)

// clientOptions builds client options from the stored configuration.
func clientOptions(cfg *Config) []taskroom.ClientOption {
	var opts []taskroom.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, taskroom.WithBaseURL(cfg.Default.BaseURL))
	}
	return opts
}

// getClient creates a TaskRoom client authenticated with the stored token.
func getClient() *taskroom.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'taskroom login' first.")
		os.Exit(1)
	}
	if info, err := taskroom.ParseToken(cfg.Auth.Token); err == nil && info.Expired() {
		fmt.Fprintln(os.Stderr, "Session expired. Run 'taskroom login' again.")
		os.Exit(1)
	}

	return taskroom.NewClient(cfg.Auth.Token, clientOptions(cfg)...)
}

// getAnonClient creates an unauthenticated client for login and register.
func getAnonClient() *taskroom.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return taskroom.NewClient("", clientOptions(cfg)...)
}
