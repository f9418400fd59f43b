package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/tabkeeper/schema"
)

type contextKey int

const (
	tabKey contextKey = iota
	opKey
)

// WithTab annotates the logger with the tab id if present.
func WithTab(ctx context.Context, tabID schema.TabID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if tabID != "" {
		if current, ok := ctx.Value(tabKey).(schema.TabID); ok && current == tabID {
			return log
		}
		log = log.With("tab", tabID)
	}
	return log
}

// WithTabOp annotates the logger with tab and operation names.
func WithTabOp(ctx context.Context, tabID schema.TabID, op string) pslog.Logger {
	log := WithTab(ctx, tabID)
	if op != "" {
		if current, ok := ctx.Value(opKey).(string); ok && current == op {
			return log
		}
		log = log.With("op", op)
	}
	return log
}

// WithURL annotates the logger with a url when available.
func WithURL(log pslog.Logger, url string) pslog.Logger {
	if url != "" {
		log = log.With("url", url)
	}
	return log
}

// ContextWithTab stores the tab marker on the context for log de-duplication.
func ContextWithTab(ctx context.Context, tabID schema.TabID) context.Context {
	if ctx == nil || tabID == "" {
		return ctx
	}
	return context.WithValue(ctx, tabKey, tabID)
}

// ContextWithOp stores the operation marker on the context for log de-duplication.
func ContextWithOp(ctx context.Context, op string) context.Context {
	if ctx == nil || op == "" {
		return ctx
	}
	return context.WithValue(ctx, opKey, op)
}

// ContextWithTabLogger attaches the logger and tab marker to the context.
func ContextWithTabLogger(ctx context.Context, log pslog.Logger, tabID schema.TabID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithTab(ctx, tabID)
}
