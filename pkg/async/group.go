package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/platinummonkey/registrar/pkg/observability"
)

// Group tracks background goroutines and collects their failures
type Group struct {
	logger *observability.Logger
	wg     sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// NewGroup creates an empty group
func NewGroup(logger *observability.Logger) *Group {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Group{logger: logger}
}

// Go runs fn in its own goroutine under ctx
func (g *Group) Go(ctx context.Context, name string, fn func(context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		if err := g.run(ctx, name, fn); err != nil {
			g.mu.Lock()
			g.errs = append(g.errs, err)
			g.mu.Unlock()
		}
	}()
}

func (g *Group) run(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	logger := g.logger.WithField("task", name)
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(map[string]interface{}{
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("PANIC in background task")
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
	}()

	err = fn(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		logger.Debug("Background task stopped")
		return nil
	}
	logger.WithError(err).Error("Background task failed")
	return fmt.Errorf("%s: %w", name, err)
}

// Wait blocks until every goroutine has returned, or ctx is done. It returns
// the joined failures of the tasks that ended.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("background tasks still running: %w", ctx.Err())
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return errors.Join(g.errs...)
}
