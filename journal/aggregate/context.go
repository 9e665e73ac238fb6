package aggregate

import "context"

type ctxKey int

const (
	ctxMetaKey ctxKey = iota
	ctxCausationKey
	ctxCorrelationKey
)

// CtxWithMeta attaches meta to every event saved with ctx
func CtxWithMeta(ctx context.Context, meta map[string]string) context.Context {
	return context.WithValue(ctx, ctxMetaKey, meta)
}

// CtxWithCausationID attaches a causation id to every event saved with ctx
func CtxWithCausationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxCausationKey, id)
}

// CtxWithCorrelationID attaches a correlation id to every event saved with ctx
func CtxWithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxCorrelationKey, id)
}

func metaFromCtx(ctx context.Context) map[string]string {
	meta, _ := ctx.Value(ctxMetaKey).(map[string]string)

	return meta
}

func stringFromCtx(ctx context.Context, key ctxKey) string {
	s, _ := ctx.Value(key).(string)

	return s
}
