// Package logctx enriches slog records with request-scoped cart attributes
// carried on the context. Wrap any slog.Handler with Handler to get
// session and mutation groups on every record emitted below it.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("owner_id", sd.OwnerID),
		))
	}

	if md, ok := ctx.Value(mutationDataKey{}).(*MutationData); ok {
		r.AddAttrs(slog.Group("mutation",
			slog.String("op", md.Op),
			slog.String("product_id", md.ProductID),
			slog.String("item_id", md.ItemID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type sessionDataKey struct{}

// SessionData identifies the session a log record concerns. It carries the
// session ID only; the token is a credential and never reaches a log line.
type SessionData struct {
	SessionID string
	OwnerID   string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type mutationDataKey struct{}

type MutationData struct {
	Op        string
	ProductID string
	ItemID    string
}

func WithMutationData(ctx context.Context, data *MutationData) context.Context {
	return context.WithValue(ctx, mutationDataKey{}, data)
}
