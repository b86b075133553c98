// Package runtime provides panic-safety helpers for background goroutines.
package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/driftmail/lib-resilience/log"
)

// RecoverAndLog recovers from a panic, logs it with the stack trace, and
// continues execution. Use this in defer statements for workers and listener
// callbacks where a panic must not crash the process.
//
// Example:
//
//	func worker(ctx context.Context) {
//	    defer runtime.RecoverAndLog(ctx, logger, "modifier", "scheduler")
//	    // ...
//	}
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		logPanic(ctx, logger, component, name, r)
	}
}

// SafeGo launches fn in a goroutine with panic recovery. A panicking fn is
// logged and the goroutine exits without crashing the process.
func SafeGo(logger log.Logger, name string, fn func()) {
	go func() {
		defer RecoverAndLog(context.Background(), logger, "runtime", name)

		fn()
	}()
}

func logPanic(ctx context.Context, logger log.Logger, component, name string, recovered any) {
	if logger == nil {
		return
	}

	logger.Log(ctx, log.LevelError, "recovered from panic",
		log.String("component", component),
		log.String("goroutine", name),
		log.String("panic", fmt.Sprintf("%v", recovered)),
		log.String("stack", string(debug.Stack())),
	)
}
