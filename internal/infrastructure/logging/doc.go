// Package logging provides structured logging for AquaFeed Core.
//
// It wraps log/slog so every entry carries the service name and build version.
// JSON is the production format; text is available for development.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Component("ingest").Warn("decode failed", "topic", topic, "error", err)
//
// Never log secrets, tokens, passwords or raw command credentials.
package logging
