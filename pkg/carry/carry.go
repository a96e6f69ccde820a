package carry

import (
	"log/slog"

	"carrytree/pkg/concurrency/lock"
	dberror "carrytree/pkg/error"
	"carrytree/pkg/logging"
	"carrytree/pkg/storage/space"
	"carrytree/pkg/tree"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Context carries everything one propagation needs. It is created for a
// single tree mutation and used by one goroutine.
type Context struct {
	Tree    *tree.Tree
	Locks   *lock.Manager
	Stack   *lock.Stack
	Space   *space.Pool
	Table   *Table
	Plugin  Plugin
	Metrics *Metrics

	// PoolNodes and PoolOps size the chunks of the record arenas.
	PoolNodes int
	PoolOps   int
	// MaxRestarts bounds the restarts of one level; zero means unbounded.
	MaxRestarts int

	pool      *Pool
	res       *space.Reservation
	log       *slog.Logger
	callerPri lock.Priority
}

func (c *Context) init() {
	if c.pool == nil {
		c.pool = NewPool(c.PoolNodes, c.PoolOps)
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.log == nil {
		c.log = logging.WithStack(c.Stack.ID()).With("component", "carry")
	}
}

// NewLevel returns an empty level to post the initial operations into. The
// stack's priority at this point is the one Carry hands back on return.
func (c *Context) NewLevel() *Level {
	c.init()
	c.callerPri = c.Stack.Priority()
	return c.newLevel("doing")
}

func (c *Context) newLevel(name string) *Level {
	return &Level{ctx: c, name: name, restartable: true}
}

// Pool returns the record pool of the context.
func (c *Context) Pool() *Pool {
	c.init()
	return c.pool
}

// Reservation returns the space reservation of the running propagation.
func (c *Context) Reservation() *space.Reservation {
	return c.res
}

// Carry applies the operations of doing and everything they cause on the
// levels above. On return every lock taken by the propagation is released;
// locks the caller held before posting stay held.
//
// Space for the worst case of the initial operations is reserved up front;
// failing to reserve it returns OUT_OF_SPACE without touching the tree.
// A fatal failure aborts the tree and returns CARRY_ABORTED.
func Carry(ctx *Context, doing *Level) error {
	ctx.init()
	ctx.Metrics.Carries.Inc()

	if err := ctx.Tree.Aborted(); err != nil {
		ctx.unlockLevel(doing, unlockAbort)
		doing.reset()
		return err
	}

	blocks := ctx.Table.estimate(doing, ctx.Tree)
	res, err := ctx.Space.Reserve(blocks)
	if err != nil {
		ctx.unlockLevel(doing, unlockAbort)
		doing.reset()
		return err
	}
	ctx.res = res
	defer func() {
		back := res.Release()
		ctx.log.Debug("space reservation closed",
			"reserved", humanize.Comma(int64(res.Reserved())),
			"consumed", humanize.Comma(int64(res.Consumed())),
			"returned", humanize.Comma(int64(back)))
		ctx.res = nil
	}()

	ctx.Locks.SetPriority(ctx.Stack, lock.HighPriority)
	defer ctx.Locks.SetPriority(ctx.Stack, ctx.callerPri)

	done := ctx.newLevel("done")
	todo := ctx.newLevel("todo")
	restarts := 0

	for len(doing.ops) > 0 {
		err := ctx.carryOnLevel(doing, todo)
		if err == nil {
			ctx.Metrics.Levels.Inc()
			ctx.log.Debug("level applied", "ops", len(doing.ops), "nodes", len(doing.nodes), "posted", len(todo.ops))
			ctx.unlockLevel(done, unlockDone)
			done.reset()
			done, doing, todo = doing, todo, done
			done.name, doing.name, todo.name = "done", "doing", "todo"
			restarts = 0
			continue
		}

		if ctx.canRestart(doing, err, restarts) {
			restarts++
			ctx.Metrics.Restarts.Inc()
			ctx.log.Debug("level restarted", "attempt", restarts, "error", err)
			ctx.unlockLevel(doing, unlockRestart)
			todo.reset()
			continue
		}
		return ctx.fatal(done, doing, todo, err)
	}

	ctx.unlockLevel(done, unlockDone)
	ctx.unlockLevel(doing, unlockDone)
	done.reset()
	doing.reset()
	todo.reset()
	return nil
}

func (c *Context) canRestart(l *Level, err error, restarts int) bool {
	if !dberror.IsRestartable(err) || !l.restartable {
		return false
	}
	return c.MaxRestarts == 0 || restarts < c.MaxRestarts
}

// carryOnLevel locks doing, applies its operations and prepares the nodes
// they emptied for removal.
func (c *Context) carryOnLevel(doing, todo *Level) error {
	if err := c.lockLevel(doing); err != nil {
		return err
	}

	info := &OpInfo{Ctx: c, Doing: doing, Todo: todo}
	for _, op := range doing.ops {
		h := c.Table[op.Code].Handle
		if h == nil {
			return dberror.New(dberror.ErrCategoryData, dberror.CodeCorrupted, "no handler for operation").
				WithDetail("%s", op).In("Carry", "carry")
		}
		info.Node = op.Node
		if err := h(op, info); err != nil {
			return errors.Wrapf(err, "apply %s", op)
		}
	}

	nodes := append([]*Node(nil), doing.nodes...)
	for _, cn := range nodes {
		n := cn.real
		if n == nil || !n.IsEmpty() || c.Tree.IsRoot(n) || n.Lock().MarkedForDeletion() {
			continue
		}
		info.Node = cn
		if err := c.Plugin.PrepareForRemoval(info, cn); err != nil {
			return errors.Wrapf(err, "prepare %s for removal", n)
		}
	}
	return nil
}

// fatal gives up on the propagation: the levels are logged, the tree is
// aborted and every lock taken by the carry is released as is.
func (c *Context) fatal(done, doing, todo *Level, cause error) error {
	c.Metrics.Aborts.Inc()
	c.log.Error("balancing failed", "error", cause, "levels", Dump(done, doing, todo))
	c.Tree.Abort(cause)

	c.unlockLevel(todo, unlockAbort)
	c.unlockLevel(doing, unlockAbort)
	c.unlockLevel(done, unlockAbort)
	todo.reset()
	doing.reset()
	done.reset()

	err := dberror.New(dberror.ErrCategorySystem, dberror.CodeCarryAborted, "balancing aborted")
	err.Cause = cause
	return err.In("Carry", "carry")
}
