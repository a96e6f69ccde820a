package logging

import (
	"log/slog"
)

// WithStack creates a logger carrying the id of the lock stack (one per
// worker) that performs the logged action.
//
// Example:
//
//	log := logging.WithStack(stack.ID())
//	log.Debug("signaled", "node", block)
func WithStack(stackID uint64) *slog.Logger {
	return GetLogger().With("stack", stackID)
}

// WithNode creates a logger with tree node context.
//
// Example:
//
//	log := logging.WithNode(uint64(node.Block()), int(node.Level()))
//	log.Debug("node emptied")
func WithNode(block uint64, level int) *slog.Logger {
	return GetLogger().With("node", block, "level", level)
}

// WithComponent creates a logger with component/subsystem context.
//
// Example:
//
//	log := logging.WithComponent("carry")
//	log.Info("component initialized")
func WithComponent(component string) *slog.Logger {
	return GetLogger().With("component", component)
}

// WithError creates a logger with error context.
// Use this when logging errors to include the error in structured format.
func WithError(err error) *slog.Logger {
	return GetLogger().With("error", err.Error())
}
