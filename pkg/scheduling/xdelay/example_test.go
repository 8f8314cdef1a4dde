package xdelay_test

import (
	"context"
	"fmt"
	"time"

	"github.com/omeyang/xdelay/pkg/observability/xlog"
	"github.com/omeyang/xdelay/pkg/scheduling/xdelay"
)

func ExamplePriorityWaitQueue() {
	q := xdelay.NewPriorityWaitQueue(nil, xdelay.WithLogger(xlog.Discard()))
	now := time.Now()
	_ = q.Put(xdelay.Task{ID: "A", DueAt: now.Add(50 * time.Millisecond)})
	_ = q.Put(xdelay.Task{ID: "B", DueAt: now.Add(10 * time.Millisecond)})

	ctx := context.Background()
	first, _ := q.Take(ctx)
	second, _ := q.Take(ctx)
	fmt.Println(first.ID, second.ID)
	// Output: B A
}

func ExampleDispatcher() {
	d, _ := xdelay.NewDispatcher(xdelay.HandlerFunc(func(_ context.Context, t xdelay.Task) error {
		fmt.Printf("fired %s: %s\n", t.ID, t.Payload)
		return nil
	}), xdelay.WithDispatchLogger(xlog.Discard()))

	_ = d.Dispatch(context.Background(), xdelay.Task{ID: "order_1", DueAt: time.Now(), Payload: []byte("close order")})
	fmt.Println(d.Stats().Dispatched)
	// Output:
	// fired order_1: close order
	// 1
}
