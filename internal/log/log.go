package log

import (
	"context"
	"io"
	"log/slog"
	"slices"
)

type slogKeyT struct{}

var slogKey slogKeyT

// ContextHandler adds the attributes stored by ContextAttrs to every record
// logged with a context.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(slogKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}

	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// ContextAttrs returns a child context carrying attrs on top of the
// attributes of the parent. The parent slice is never modified.
func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, _ := ctx.Value(slogKey).([]slog.Attr)
	return context.WithValue(ctx, slogKey, slices.Concat(a, attrs))
}

// JobAttrs tags a context with the identity of a sync job. A context already
// tagged with id is returned as is.
func JobAttrs(ctx context.Context, id, name string) context.Context {
	a, _ := ctx.Value(slogKey).([]slog.Attr)
	if slices.ContainsFunc(a, func(attr slog.Attr) bool {
		return attr.Key == "job_id" && attr.Value.String() == id
	}) {
		return ctx
	}
	attrs := []slog.Attr{slog.String("job_id", id)}
	if name != "" {
		attrs = append(attrs, slog.String("job_name", name))
	}
	return ContextAttrs(ctx, attrs...)
}

// New returns a JSON logger writing to w, debug level when verbose is set.
func New(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
	return slog.New(NewContextHandler(base))
}
