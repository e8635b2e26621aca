// Package commandqueue serializes work per lane with FIFO ordering.
//
// Invariants:
// - A lane runs one task at a time, in enqueue order.
// - Different lanes run concurrently.
// - A lane with nothing queued or running is dropped.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Options{})
//	defer queue.Close()
//	view, err := queue.Enqueue(ctx, "session:abc", func(ctx context.Context) (interface{}, error) {
//		return controller.HandleTurn(ctx, sess, text)
//	})
package commandqueue
