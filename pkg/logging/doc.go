// Package logging provides the process-wide structured logger used by the
// lock manager, the carry engine and the engine facade.
//
// The package wraps [log/slog] and exposes a single global logger instance.
// Call Init once at startup to choose level, format and destination:
//
//	if err := logging.Init(logging.Config{Level: logging.LevelDebug}); err != nil {
//	    log.Fatal(err)
//	}
//
// If GetLogger is called before Init, a default stderr logger at INFO level
// is created lazily, so packages that log during tests need no setup.
//
// # Context helpers
//
// Helpers return child loggers pre-populated with structured fields:
//
//	log := logging.WithStack(stackID)     // adds stack field
//	log := logging.WithNode(block, level) // adds node and level fields
//	log := logging.WithComponent("carry") // adds component field
package logging
