// Package config holds the tunables of a tree instance: node geometry, carry
// pool sizing, space pool size, restart budget and logging.
package config

import (
	"fmt"

	"carrytree/pkg/logging"
)

const (
	// MinNodeSize is the smallest node that still fits a header, two pointer
	// items and one small leaf item.
	MinNodeSize = 256
	// MaxNodeSize bounds node size to what a single block may hold.
	MaxNodeSize = 1 << 16
)

// Config is the configuration of one tree instance.
type Config struct {
	// NodeSize is the byte capacity of every tree node, header included.
	NodeSize int

	// PoolNodes and PoolOps size one chunk of the carry record arenas.
	// A propagation that needs more records allocates further chunks.
	PoolNodes int
	PoolOps   int

	// SpaceBlocks is the number of blocks available for reservation.
	SpaceBlocks uint64

	// MaxRestarts bounds how many times one level may be restarted after
	// Retry before the carry gives up with a fatal error. Zero means unbounded.
	MaxRestarts int

	Log logging.Config
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		NodeSize:    4096,
		PoolNodes:   16,
		PoolOps:     16,
		SpaceBlocks: 1 << 20,
		MaxRestarts: 0,
		Log:         logging.Config{Level: logging.LevelInfo, Format: "text"},
	}
}

// Validate checks that the configuration describes a usable tree.
func (c Config) Validate() error {
	if c.NodeSize < MinNodeSize || c.NodeSize > MaxNodeSize {
		return fmt.Errorf("node size %d out of range [%d, %d]", c.NodeSize, MinNodeSize, MaxNodeSize)
	}
	if c.PoolNodes <= 0 || c.PoolOps <= 0 {
		return fmt.Errorf("carry pool chunks must be positive (nodes=%d ops=%d)", c.PoolNodes, c.PoolOps)
	}
	if c.SpaceBlocks < 2 {
		return fmt.Errorf("space pool of %d blocks cannot hold a tree", c.SpaceBlocks)
	}
	if c.MaxRestarts < 0 {
		return fmt.Errorf("negative restart budget %d", c.MaxRestarts)
	}
	return nil
}
