package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/scottbrown/hecsender/internal/config"
	"github.com/scottbrown/hecsender/internal/forwarder"
)

var smokeTestCmd = &cobra.Command{
	Use:   "smoke-test",
	Short: "Test Splunk HEC connectivity",
	Long:  "Test connectivity to Splunk HEC and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}

		return performSmokeTest(cmd.Context(), cfg, cmd.OutOrStdout())
	},
}

// performSmokeTest tests connectivity to Splunk HEC
func performSmokeTest(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	fmt.Fprintf(out, "🔍 Testing Splunk HEC connectivity...\n")
	fmt.Fprintf(out, "URL: %s\n", cfg.HEC.URL)

	if cfg.HEC.URL == "" {
		fmt.Fprintf(out, "❌ Error: Splunk HEC URL is not configured\n")
		fmt.Fprintf(out, "Please set hec.url in config file or use --hec-url flag\n")
		return errors.New("splunk HEC URL is not configured")
	}

	if cfg.HEC.Token == "" {
		fmt.Fprintf(out, "❌ Error: Splunk HEC token is not configured\n")
		fmt.Fprintf(out, "Please set hec.token in config file or use --hec-token flag\n")
		return errors.New("splunk HEC token is not configured")
	}

	hec, err := forwarder.New(forwarder.Config{
		URL:             cfg.HEC.URL,
		Token:           cfg.HEC.Token,
		UseGzip:         cfg.HEC.Gzip,
		IgnoreSSLErrors: cfg.HEC.IgnoreSSLErrors,
		ClientTimeout:   time.Duration(cfg.HEC.ClientTimeoutSeconds) * time.Second,
	})
	if err != nil {
		fmt.Fprintf(out, "❌ Error: %v\n", err)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	if err := hec.HealthCheck(ctx); err != nil {
		fmt.Fprintf(out, "❌ Error: %v\n", err)
		fmt.Fprintf(out, "Please verify your Splunk HEC URL and token are correct\n")
		return err
	}

	fmt.Fprintf(out, "✅ Success: Splunk HEC is reachable and token is valid\n")
	return nil
}
