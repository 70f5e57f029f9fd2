// Package recovery keeps a panicking goroutine from taking the process down
// silently: every recovered panic is logged with its stack.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers a panic and logs it. Defer it first thing in a
// goroutine:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "icmp.receive")
//	    ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers a panic, logs it and passes the value to
// callback. Long-lived loops use the callback to report that they stopped.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered interface{})) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

// Go runs fn on a new goroutine with RecoverWithLog installed.
func Go(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer RecoverWithLog(logger, name)
		fn()
	}()
}

func logPanic(logger *slog.Logger, name string, r interface{}) {
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
