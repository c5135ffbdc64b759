package auth

import (
	"context"
	"strings"
)

// CallAuth is the verified identity attached to an incoming call.
type CallAuth struct {
	UID    string
	Claims *CustomClaims
}

// Call is what the calling layer knows about an incoming request.
type Call struct {
	Auth      *CallAuth
	IP        string
	UserAgent string
}

// UID returns the caller's uid, or "" for anonymous calls.
func (c Call) UID() string {
	if c.Auth == nil {
		return ""
	}
	return c.Auth.UID
}

type callContextKey struct{}
type tokenContextKey struct{}

// ContextWithCall attaches the call description to the context.
func ContextWithCall(ctx context.Context, call Call) context.Context {
	if call.Auth != nil {
		call.Auth.UID = strings.TrimSpace(call.Auth.UID)
		if call.Auth.UID == "" {
			call.Auth = nil
		}
	}
	return context.WithValue(ctx, callContextKey{}, &call)
}

// CallFromContext extracts the call description from the context.
func CallFromContext(ctx context.Context) (Call, bool) {
	if ctx == nil {
		return Call{}, false
	}
	v, ok := ctx.Value(callContextKey{}).(*Call)
	if !ok || v == nil {
		return Call{}, false
	}
	return *v, true
}

// ContextWithUser marks the context as authenticated for uid, keeping any
// request metadata already attached.
func ContextWithUser(ctx context.Context, uid string, claims *CustomClaims) context.Context {
	call, _ := CallFromContext(ctx)
	call.Auth = &CallAuth{UID: uid, Claims: claims}
	return ContextWithCall(ctx, call)
}

// UserIDFromContext extracts the authenticated uid from context.
func UserIDFromContext(ctx context.Context) (string, bool) {
	call, ok := CallFromContext(ctx)
	if !ok || call.Auth == nil || call.Auth.UID == "" {
		return "", false
	}
	return call.Auth.UID, true
}

// ContextWithToken stores the raw bearer token inside the context.
func ContextWithToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// TokenFromContext returns the bearer token if it was previously attached.
func TokenFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(tokenContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
