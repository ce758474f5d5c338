package main

import "time"

func init() {
	// Add subcommands
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(smokeTestCmd)

	// Flags shared by every command
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "f", "", "Path to configuration file")
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&hecURL, "hec-url", "", "Splunk HEC event endpoint")
	pf.StringVar(&hecToken, "hec-token", "", "Splunk HEC token")
	pf.IntVar(&retries, "retries", 0, "Resends after a failed delivery attempt")
	pf.BoolVar(&ignoreSSLErrors, "ignore-ssl-errors", false, "Skip certificate verification for the HEC host")
	pf.BoolVar(&gzipHEC, "gzip", false, "Gzip compress payloads to HEC")
	pf.StringVar(&deliveryMode, "mode", "", "Delivery mode (sequential, parallel)")
	pf.StringVar(&onFailure, "on-failure", "", "Action on terminal delivery failure (log, raise, ignore)")

	// Root command flags
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Metrics listen address (overrides metrics_addr)")
	rootCmd.Flags().BoolVar(&skipHealthCheck, "skip-health-check", false, "Start without probing the HEC health endpoint")

	// Send command flags
	sf := sendCmd.Flags()
	sf.StringVarP(&sendSeverity, "severity", "s", "Info", "Event severity")
	sf.StringVarP(&sendLogger, "logger", "l", "", "Logger name, also used as the event source")
	sf.StringArrayVarP(&sendFields, "field", "F", nil, "Structured field as key=value (repeatable)")
	sf.StringVar(&sendError, "error", "", "Error message to attach as the exception")
	sf.StringVar(&sendIndex, "index", "", "Splunk index")
	sf.StringVar(&sendSource, "source", "", "Splunk source")
	sf.StringVar(&sendSourceType, "sourcetype", "", "Splunk sourcetype")
	sf.StringVar(&sendHost, "host", "", "Splunk host")
	sf.DurationVar(&sendTimeout, "timeout", 30*time.Second, "Maximum time to wait for delivery")
}
