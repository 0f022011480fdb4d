package api

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/org/credvault/pkg/models"
)

type contextKey string

const (
	ctxKeyCaller      contextKey = "caller"
	ctxKeyRequestInfo contextKey = "request_info"
)

// requestInfo is shared between the outer audit middleware and the inner
// auth middleware, which only runs on authenticated routes.
type requestInfo struct {
	caller *models.Caller
}

func withRequestInfo(ctx context.Context, info *requestInfo) context.Context {
	return context.WithValue(ctx, ctxKeyRequestInfo, info)
}

func withCaller(ctx context.Context, c models.Caller) context.Context {
	if info, ok := ctx.Value(ctxKeyRequestInfo).(*requestInfo); ok {
		info.caller = &c
	}
	return context.WithValue(ctx, ctxKeyCaller, c)
}

func callerFromCtx(ctx context.Context) (models.Caller, bool) {
	c, ok := ctx.Value(ctxKeyCaller).(models.Caller)
	return c, ok
}

func requestID(r *http.Request) string {
	if id, ok := hlog.IDFromRequest(r); ok {
		return id.String()
	}
	return ""
}
