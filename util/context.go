package util

import (
	"context"
	"errors"
	"fmt"
)

type ContextKey string

const (
	CorrelationIdKey ContextKey = "CorrelationId"
	SubmitterKey     ContextKey = "Submitter"
)

func valueToCtx[T any](ctx context.Context, key ContextKey, value T) context.Context {
	return context.WithValue(ctx, key, value)
}

func valueFromCtx[T any](ctx context.Context, key ContextKey) (T, error) {
	raw := ctx.Value(key)
	if raw == nil {
		return *new(T), fmt.Errorf("%v: %w", key, ErrValueNotFound)
	}
	value, ok := raw.(T)
	if !ok {
		return *new(T), fmt.Errorf("%v holds %T, want %T: %w", key, raw, *new(T), ErrInvalidValue)
	}
	return value, nil
}

func CorrelationIdToCtx(ctx context.Context, correlationId string) context.Context {
	return valueToCtx(ctx, CorrelationIdKey, correlationId)
}

func CorrelationIdFromCtx(ctx context.Context) (string, error) {
	return valueFromCtx[string](ctx, CorrelationIdKey)
}

// SubmitterToCtx records who enqueued work; the job queue copies it into job metadata.
func SubmitterToCtx(ctx context.Context, submitter string) context.Context {
	return valueToCtx(ctx, SubmitterKey, submitter)
}

func SubmitterFromCtx(ctx context.Context) (string, error) {
	return valueFromCtx[string](ctx, SubmitterKey)
}

// IsValueNotFound reports whether err came from a missing context value.
func IsValueNotFound(err error) bool {
	return errors.Is(err, ErrValueNotFound)
}
