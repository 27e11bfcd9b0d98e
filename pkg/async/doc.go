// Package async runs fire-and-forget background work safely.
//
// A Group recovers panics, applies a per-task timeout, caps in-flight
// goroutines and can be drained on shutdown:
//
//	group := async.NewGroup(logger, 5*time.Second, 256)
//	group.Go(ctx, "audit", func(ctx context.Context) error {
//		return sink.Log(ctx, event)
//	})
//	defer group.Close(10 * time.Second)
package async
