// Package engine is the client surface of the tree: it finds the leaf for a
// key with low-priority lock coupling, posts the mutation and hands it to
// carry.
package engine

import (
	"log/slog"
	"sync/atomic"

	"carrytree/pkg/carry"
	"carrytree/pkg/concurrency/lock"
	"carrytree/pkg/config"
	dberror "carrytree/pkg/error"
	"carrytree/pkg/layout"
	"carrytree/pkg/logging"
	"carrytree/pkg/primitives"
	"carrytree/pkg/storage/alloc"
	"carrytree/pkg/storage/space"
	"carrytree/pkg/tree"

	"github.com/prometheus/client_golang/prometheus"
)

// Engine owns one tree and everything needed to mutate it concurrently.
type Engine struct {
	cfg config.Config

	space   *space.Pool
	alloc   *alloc.Allocator
	tree    *tree.Tree
	locks   *lock.Manager
	layout  *layout.Layout
	table   *carry.Table
	metrics *carry.Metrics

	descents atomic.Uint64
	restarts atomic.Uint64

	log *slog.Logger
}

// Option customises Open.
type Option func(*options)

type options struct {
	reg prometheus.Registerer
}

// WithRegisterer registers the lock and carry metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.reg = reg }
}

// Open creates an empty tree configured by cfg.
func Open(cfg config.Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, dberror.Wrap(err, dberror.CodeInvalidArgument, "Open", "Engine")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	pool := space.NewPool(cfg.SpaceBlocks)
	a := alloc.New(cfg.SpaceBlocks, pool)
	t, err := tree.New(a, pool)
	if err != nil {
		return nil, err
	}
	lay := layout.New(cfg.NodeSize)

	e := &Engine{
		cfg:     cfg,
		space:   pool,
		alloc:   a,
		tree:    t,
		locks:   lock.NewManager(o.reg),
		layout:  lay,
		table:   lay.Table(),
		metrics: carry.NewMetrics(o.reg),
		log:     logging.WithComponent("engine"),
	}
	e.log.Info("tree opened", "node_size", cfg.NodeSize, "space_blocks", cfg.SpaceBlocks)
	return e, nil
}

// Tree returns the underlying tree.
func (e *Engine) Tree() *tree.Tree {
	return e.tree
}

// Locks returns the lock manager guarding the tree's nodes.
func (e *Engine) Locks() *lock.Manager {
	return e.locks
}

// Layout returns the node layout.
func (e *Engine) Layout() *layout.Layout {
	return e.layout
}

// CarryMetrics returns the propagation counters.
func (e *Engine) CarryMetrics() *carry.Metrics {
	return e.metrics
}

// Session runs client operations on one lock stack. A Session is used by one
// goroutine at a time.
type Session struct {
	e     *Engine
	stack *lock.Stack
}

// Session returns a session on s, or on a fresh stack when s is nil.
func (e *Engine) Session(s *lock.Stack) *Session {
	if s == nil {
		s = e.locks.NewStack()
	}
	return &Session{e: e, stack: s}
}

// Stack returns the session's lock stack.
func (s *Session) Stack() *lock.Stack {
	return s.stack
}

// descend locks the leaf covering key in mode, coupling low-priority read
// locks from the uber node down. The uber lock and the internal nodes are
// released on the way.
func (s *Session) descend(key primitives.Key, mode lock.Mode) (*tree.Node, error) {
	e := s.e
	m := e.locks
	m.SetPriority(s.stack, lock.LowPriority)
	e.descents.Add(1)

	above, err := m.Acquire(s.stack, e.tree.Uber().Lock(), lock.ReadLock, lock.LowPriority, 0)
	if err != nil {
		return nil, err
	}
	n := e.tree.Root()
	level := e.tree.Height()

	for {
		want := lock.ReadLock
		if level == primitives.LeafLevel {
			want = mode
		}
		h, err := m.Acquire(s.stack, n.Lock(), want, lock.LowPriority, 0)
		m.Release(above)
		if err != nil {
			return nil, err
		}
		if n.Level() != level {
			return nil, dberror.Retry("node changed level during descent").In("descend", "Engine")
		}

		if level == primitives.LeafLevel {
			if !e.tree.Covers(n, key) {
				return nil, dberror.Retry("leaf no longer covers the key").In("descend", "Engine")
			}
			return n, nil
		}
		if n.IsEmpty() {
			return nil, dberror.Retry("empty internal node").In("descend", "Engine")
		}
		n = n.Item(layout.ChildFor(n, key)).Child
		above = h
		level--
	}
}

// withLeaf runs fn on the write-locked leaf covering key, restarting the
// descent when it loses a lock race. Every lock is released on return.
func (s *Session) withLeaf(key primitives.Key, mode lock.Mode, fn func(leaf *tree.Node) error) error {
	for {
		if err := s.e.tree.Aborted(); err != nil {
			return err
		}
		leaf, err := s.descend(key, mode)
		if err == nil {
			err = fn(leaf)
		}
		s.e.locks.ReleaseAll(s.stack)
		if err == nil || !dberror.IsRestartable(err) {
			return err
		}
		s.e.restarts.Add(1)
		logging.WithStack(s.stack.ID()).Debug("descent restarted", "key", key, "error", err)
	}
}

// carry posts the initial operations through post and runs the propagation.
func (s *Session) carry(post func(*carry.Level) error) error {
	e := s.e
	ctx := &carry.Context{
		Tree:        e.tree,
		Locks:       e.locks,
		Stack:       s.stack,
		Space:       e.space,
		Table:       e.table,
		Plugin:      e.layout,
		Metrics:     e.metrics,
		PoolNodes:   e.cfg.PoolNodes,
		PoolOps:     e.cfg.PoolOps,
		MaxRestarts: e.cfg.MaxRestarts,
	}
	level := ctx.NewLevel()
	if err := post(level); err != nil {
		return err
	}
	return carry.Carry(ctx, level)
}
