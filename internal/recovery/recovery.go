// Package recovery provides panic recovery for link workers and router handlers.
package recovery

import (
	"fmt"
	"log/slog"
	"runtime/debug"
)

// RecoverWithLog recovers from a panic and logs it with the stack trace.
// It must be deferred directly:
//
//	go func() {
//	    defer recovery.RecoverWithLog(logger, "link.reader")
//	    // ...
//	}()
func RecoverWithLog(logger *slog.Logger, name string) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
	}
}

// RecoverWithCallback recovers from a panic, logs it and hands the recovered
// value to callback when one is given.
func RecoverWithCallback(logger *slog.Logger, name string, callback func(recovered any)) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if callback != nil {
			callback(r)
		}
	}
}

// RecoverToError recovers from a panic and stores it in *errp as an error.
// An error already held in *errp is kept.
func RecoverToError(logger *slog.Logger, name string, errp *error) {
	if r := recover(); r != nil {
		logPanic(logger, name, r)
		if errp != nil && *errp == nil {
			*errp = fmt.Errorf("%s: panic: %v", name, r)
		}
	}
}

// Go runs fn in a new goroutine guarded by RecoverWithLog.
func Go(logger *slog.Logger, name string, fn func()) {
	go func() {
		defer RecoverWithLog(logger, name)
		fn()
	}()
}

func logPanic(logger *slog.Logger, name string, r any) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("panic recovered",
		"goroutine", name,
		"panic", fmt.Sprintf("%v", r),
		"stack", string(debug.Stack()))
}
