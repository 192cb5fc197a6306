// Package main is the entry point for the installd package-install daemon.
//
// installd owns transactional install sessions: clients open a session,
// stream archive content into it, and commit; installd validates the
// content and either installs it immediately or stages it for the next
// boot.
//
// Architecture:
//
//	Installer clients → installd → local package store
//	                             → module activation service (staged installs)
//	                             → data loaders (streaming sessions)
//
// The server provides:
//   - REST API for session lifecycle and content writes
//   - WebSocket streaming of session lifecycle events
//   - Persisted session records surviving restarts
//   - Boot-time resumption of reboot-deferred installs
//   - Rate limiting and request tracing
//
// Configuration:
//   - Environment variables (12-factor, INSTALLD_ prefix)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Production mode
//	./installd -port 7300 -activation http://localhost:7301
//
//	# Development mode (colored logs, debug level)
//	./installd -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
