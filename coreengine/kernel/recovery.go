package kernel

import (
	"fmt"
	"runtime/debug"
)

// PanicError is returned by SafeExecute when the wrapped function panicked.
type PanicError struct {
	Operation string
	Value     any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

// SafeExecute runs fn and turns a panic into a PanicError.
// The operation name is used for logging context.
func SafeExecute(logger Logger, operation string, fn func() error) error {
	_, err := SafeExecuteWithResult(logger, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// SafeExecuteWithResult is SafeExecute for functions that return a value.
// On panic the zero value is returned.
func SafeExecuteWithResult[T any](logger Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(logger, "panic_recovered", operation, r)
			var zero T
			result = zero
			err = &PanicError{Operation: operation, Value: r}
		}
	}()
	return fn()
}

// SafeGo runs fn in a goroutine. A panic is logged and handed to onPanic.
func SafeGo(logger Logger, operation string, fn func(), onPanic func(recovered any)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logPanic(logger, "goroutine_panic_recovered", operation, r)
				if onPanic != nil {
					onPanic(r)
				}
			}
		}()
		fn()
	}()
}

func logPanic(logger Logger, msg, operation string, r any) {
	if logger == nil {
		return
	}
	logger.Error(msg,
		"operation", operation,
		"panic", r,
		"stack", string(debug.Stack()),
	)
}
