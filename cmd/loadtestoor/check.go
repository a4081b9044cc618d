package main

import (
	"fmt"
	"os"

	"github.com/ethpandaops/loadtestoor/pkg/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration and print the effective values",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// Redact secrets before printing.
	cfg.Server.Auth.TokenHash = redact(cfg.Server.Auth.TokenHash)
	cfg.Database.Postgres.Password = redact(cfg.Database.Postgres.Password)

	if cfg.Archive != nil && cfg.Archive.S3 != nil {
		cfg.Archive.S3.SecretAccessKey = redact(cfg.Archive.S3.SecretAccessKey)
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}

	fmt.Fprintf(os.Stdout, "---\n%s", out)

	log.Info("Configuration is valid")

	return nil
}

func redact(s string) string {
	if s == "" {
		return ""
	}

	return "<redacted>"
}
