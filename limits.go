package main

import "time"

// Operational limits — named constants for values that are otherwise
// scattered across the listener packages.
const (
	// defaultCertValidity is used when CERT_VALIDITY fails to parse.
	defaultCertValidity = 365 * 24 * time.Hour

	// metricsInterval is the period of the background stats logger.
	metricsInterval = 30 * time.Second
)
