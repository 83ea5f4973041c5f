// Package logctx enriches slog records with per-attempt authentication
// context. The chain attaches AttemptData to the context before invoking
// each method; host applications that install Handler around their slog
// handler get the attempt attributes on every record logged underneath.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps an slog.Handler and appends context-carried attempt and
// request attributes to each record.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if ad, ok := ctx.Value(attemptDataKey{}).(*AttemptData); ok {
		r.AddAttrs(slog.Group("attempt",
			slog.String("method", ad.Method),
			slog.String("netid", ad.NetID),
			slog.String("remote_addr", ad.RemoteAddr),
		))
	}

	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type attemptDataKey struct{}

// AttemptData identifies one method invocation within a chain walk.
type AttemptData struct {
	Method     string
	NetID      string
	RemoteAddr string
}

func WithAttemptData(ctx context.Context, data *AttemptData) context.Context {
	return context.WithValue(ctx, attemptDataKey{}, data)
}

type requestDataKey struct{}

// RequestData identifies the enclosing HTTP request, set by host applications.
type RequestData struct {
	RequestID  string
	Path       string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}
