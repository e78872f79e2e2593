package appcontext

import "context"

type ContextKey string

var (
	RequestIDKey  = ContextKey("X-Request-Id")
	VerifierIDKey = ContextKey("X-Verifier-Id")
)

func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func GetRequestID(ctx context.Context) string {
	value, ok := ctx.Value(RequestIDKey).(string)
	if !ok {
		return ""
	}
	return value
}

func SetVerifierID(ctx context.Context, verifierID string) context.Context {
	return context.WithValue(ctx, VerifierIDKey, verifierID)
}

func GetVerifierID(ctx context.Context) string {
	value, ok := ctx.Value(VerifierIDKey).(string)
	if !ok {
		return ""
	}
	return value
}
