package commbus

import (
	"context"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic at debug level and handler
// failures at warn level.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	if logger == nil {
		logger = nopLogger{}
	}
	return &LoggingMiddleware{logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.logger.Debug("commbus_message", "category", message.Category(), "message_type", GetMessageType(message))
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if err != nil {
		m.logger.Warn("commbus_message_failed", "message_type", GetMessageType(message), "error", err.Error())
	}
	return result, nil
}

// =============================================================================
// OBSERVER MIDDLEWARE
// =============================================================================

// ObserveFunc receives the outcome of every message that went through the bus.
type ObserveFunc func(category, messageType string, err error)

// ObserverMiddleware reports message outcomes to an ObserveFunc, typically a
// metrics recorder.
type ObserverMiddleware struct {
	observe ObserveFunc
}

// NewObserverMiddleware creates an ObserverMiddleware.
func NewObserverMiddleware(observe ObserveFunc) *ObserverMiddleware {
	return &ObserverMiddleware{observe: observe}
}

// Before passes the message through unchanged.
func (m *ObserverMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	return message, nil
}

// After reports the message outcome.
func (m *ObserverMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if m.observe != nil {
		m.observe(message.Category(), GetMessageType(message), err)
	}
	return result, nil
}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*ObserverMiddleware)(nil)
)
