// Package sinks holds progress.Sink implementations: structured logging and
// Prometheus run/fetch counters.
package sinks
