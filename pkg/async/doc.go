// Package async supervises the daemon's long-lived background loops: the
// cache invalidation subscriber and the exemption file watcher.
//
//	g := async.NewGroup(logger)
//	g.Go(ctx, "invalidation listener", evaluator.Listen)
//	...
//	cancel()
//	err := g.Wait(shutdownCtx)
//
// A panicking loop is logged with its stack and reported by Wait instead of
// crashing the process. Returning context.Canceled is a clean exit.
package async
