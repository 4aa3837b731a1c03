package clients

import (
	"context"

	"github.com/lyzr/mediacache/common/logger"
)

// WithRequestID stores a request id that DoRequest forwards as X-Request-ID
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, logger.RequestIDKey, requestID)
}

// GetRequestID retrieves the request id from context
func GetRequestID(ctx context.Context) (string, bool) {
	requestID, ok := ctx.Value(logger.RequestIDKey).(string)
	return requestID, ok && requestID != ""
}
