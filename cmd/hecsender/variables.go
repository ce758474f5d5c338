package main

import "time"

var (
	configFile      string
	logLevel        string
	metricsAddr     string
	skipHealthCheck bool

	hecURL          string
	hecToken        string
	retries         int
	ignoreSSLErrors bool
	gzipHEC         bool
	deliveryMode    string
	onFailure       string

	sendSeverity   string
	sendLogger     string
	sendFields     []string
	sendError      string
	sendIndex      string
	sendSource     string
	sendSourceType string
	sendHost       string
	sendTimeout    time.Duration
)
