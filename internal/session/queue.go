package session

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/teleble/internal/groutine"
)

type command struct {
	ctx  context.Context
	name string
	fn   func(ctx context.Context) error
	done chan error
}

// commandQueue runs every session-mutating command on a single worker so that
// caller I/O and restoration steps are totally ordered.
type commandQueue struct {
	ch       chan *command
	stop     chan struct{}
	stopOnce sync.Once
	group    groutine.Group
	logger   *logrus.Logger
}

func newCommandQueue(logger *logrus.Logger) *commandQueue {
	q := &commandQueue{
		ch:     make(chan *command),
		stop:   make(chan struct{}),
		logger: logger,
	}
	q.group.Go(context.Background(), "session-worker", q.loop)
	return q
}

func (q *commandQueue) loop(context.Context) {
	for {
		select {
		case <-q.stop:
			return
		case c := <-q.ch:
			if err := c.ctx.Err(); err != nil {
				c.done <- err
				continue
			}
			q.logger.WithField("command", c.name).Trace("Running session command")
			c.done <- c.fn(c.ctx)
		}
	}
}

// run submits fn and waits for its result. fn must not submit to the queue.
func (q *commandQueue) run(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	c := &command{ctx: ctx, name: name, fn: fn, done: make(chan error, 1)}

	select {
	case q.ch <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.stop:
		return ErrSessionClosed
	}

	select {
	case err := <-c.done:
		return err
	case <-ctx.Done():
		// the worker still finishes fn with the cancelled context
		return ctx.Err()
	}
}

// close stops the worker once the running command has returned.
func (q *commandQueue) close() {
	q.stopOnce.Do(func() { close(q.stop) })
	q.group.Wait()
}
