package async

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/registrar/pkg/observability"
)

func TestGroup_CanceledIsClean(t *testing.T) {
	g := NewGroup(nil)
	ctx, cancel := context.WithCancel(context.Background())

	g.Go(ctx, "listener", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cancel()

	waitCtx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	assert.NoError(t, g.Wait(waitCtx))
}

func TestGroup_CollectsFailures(t *testing.T) {
	g := NewGroup(nil)
	boom := errors.New("subscription closed")

	g.Go(context.Background(), "listener", func(context.Context) error { return boom })
	g.Go(context.Background(), "watcher", func(context.Context) error { return nil })

	err := g.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "listener")
}

func TestGroup_RecoversPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := observability.NewLogger(observability.LoggerConfig{Level: "info", Format: "json", Output: &buf})
	g := NewGroup(logger)

	g.Go(context.Background(), "watcher", func(context.Context) error {
		panic("nil exemptions")
	})

	err := g.Wait(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "watcher: panic: nil exemptions")
	assert.Contains(t, buf.String(), "PANIC in background task")
}

func TestGroup_WaitTimesOut(t *testing.T) {
	g := NewGroup(nil)
	release := make(chan struct{})
	defer close(release)

	g.Go(context.Background(), "stuck", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := g.Wait(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
