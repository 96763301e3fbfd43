package ctxutil

import (
	"context"

	"github.com/google/uuid"
)

type traceDataKey struct{}

type TraceData struct {
	TraceID   string
	RequestID string
}

func WithTraceData(ctx context.Context, td *TraceData) context.Context {
	return context.WithValue(ctx, traceDataKey{}, td)
}

func GetTraceData(ctx context.Context) *TraceData {
	val := ctx.Value(traceDataKey{})
	if td, ok := val.(*TraceData); ok {
		return td
	}
	return nil
}

// CorrelationID returns the request/trace correlation id carried by ctx, or "".
func CorrelationID(ctx context.Context) string {
	td := GetTraceData(ctx)
	if td == nil {
		return ""
	}
	if td.RequestID != "" {
		return td.RequestID
	}
	return td.TraceID
}

type requestDataKey struct{}

// RequestData is attached by the auth middleware after the bearer token is
// resolved to a principal. Handlers and services read it, never write it.
type RequestData struct {
	UserID uuid.UUID
	Role   string
}

func WithRequestData(ctx context.Context, rd *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, rd)
}

func GetRequestData(ctx context.Context) *RequestData {
	val := ctx.Value(requestDataKey{})
	if rd, ok := val.(*RequestData); ok {
		return rd
	}
	return nil
}

func Default(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
