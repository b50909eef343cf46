package ctxlogger

import (
	"context"
	"log/slog"
)

type ctxKey string

const slogFieldsKey ctxKey = "slog_fields"

// ContextHandler adds attributes stored in the context by AppendCtx to every record.
type ContextHandler struct {
	slog.Handler
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if attrs, ok := ctx.Value(slogFieldsKey).([]slog.Attr); ok {
		for _, v := range attrs {
			r.AddAttrs(v)
		}
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// AppendCtx returns a copy of parent carrying attr in addition to the attributes already stored.
func AppendCtx(parent context.Context, attr slog.Attr) context.Context {
	if parent == nil {
		parent = context.Background()
	}

	if v, ok := parent.Value(slogFieldsKey).([]slog.Attr); ok {
		attrs := make([]slog.Attr, 0, len(v)+1)
		attrs = append(attrs, v...)
		attrs = append(attrs, attr)
		return context.WithValue(parent, slogFieldsKey, attrs)
	}

	return context.WithValue(parent, slogFieldsKey, []slog.Attr{attr})
}
