// Package worker runs tree mutations on a bounded set of goroutines. Every
// task gets a lock stack of its own, and whatever it still holds when it
// returns is released.
package worker

import (
	"carrytree/pkg/concurrency/lock"
	"carrytree/pkg/logging"

	"github.com/alitto/pond/v2"
)

// Task is the unit of work; it runs on the stack it is given.
type Task func(s *lock.Stack) error

// Pool is a fixed-size worker pool.
type Pool struct {
	pool  pond.Pool
	locks *lock.Manager
}

// New starts a pool of size workers whose tasks lock through locks.
func New(size int, locks *lock.Manager) *Pool {
	return &Pool{pool: pond.NewPool(size), locks: locks}
}

// Group collects tasks whose first failure is reported by Wait.
type Group struct {
	p     *Pool
	group pond.TaskGroup
}

// NewGroup starts an empty task group.
func (p *Pool) NewGroup() *Group {
	return &Group{p: p, group: p.pool.NewGroup()}
}

// Go submits fn.
func (g *Group) Go(fn Task) {
	g.group.SubmitErr(func() error {
		s := g.p.locks.NewStack()
		defer func() {
			if held := s.Held(); held > 0 {
				logging.WithStack(s.ID()).Warn("task returned holding locks", "held", held)
				g.p.locks.ReleaseAll(s)
			}
		}()
		return fn(s)
	})
}

// Wait blocks until every task of the group finished and returns the first
// error.
func (g *Group) Wait() error {
	return g.group.Wait()
}

// Go submits fn as a group of one and returns it.
func (p *Pool) Go(fn Task) *Group {
	g := p.NewGroup()
	g.Go(fn)
	return g
}

// Running returns the number of tasks currently executing.
func (p *Pool) Running() int64 {
	return p.pool.RunningWorkers()
}

// Completed returns the number of tasks that finished.
func (p *Pool) Completed() uint64 {
	return p.pool.CompletedTasks()
}

// Stop waits for the submitted tasks and shuts the pool down.
func (p *Pool) Stop() {
	p.pool.StopAndWait()
}
