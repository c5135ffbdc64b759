package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"coursegate.org/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth attaches the call description to every request. A valid bearer
// token authenticates the call; requests without one proceed anonymously and
// are rejected by the guard where authentication is required.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := auth.Call{IP: clientIP(r), UserAgent: r.UserAgent()}
		ctx := r.Context()

		if header := r.Header.Get(authHeader); strings.TrimSpace(header) != "" {
			token, err := extractBearerToken(header)
			if err != nil {
				handleError(w, r, &auth.Error{Kind: auth.ErrInvalidToken, Message: err.Error()})
				return
			}
			verified, err := a.deps.Tokens.Verify(token)
			if err != nil {
				handleError(w, r, &auth.Error{Kind: auth.ErrInvalidToken, Message: "invalid token"})
				return
			}
			call.Auth = verified
			ctx = auth.ContextWithToken(ctx, token)
		}

		ctx = auth.ContextWithCall(ctx, call)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
