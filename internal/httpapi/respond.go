package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"coursegate.org/internal/auth"
)

// Rate-limited actions.
const (
	actionAssignRole   = "assign_role"
	actionUpdateClaims = "update_claims"
	actionRefresh      = "refresh_claims"
	actionCheck        = "check_permission"
	actionBatch        = "batch"
)

func defaultLimits() map[string]Limit {
	return map[string]Limit{
		actionAssignRole:   {Max: 30, Window: time.Minute},
		actionUpdateClaims: {Max: 30, Window: time.Minute},
		actionRefresh:      {Max: 10, Window: time.Minute},
		actionCheck:        {Max: 100, Window: time.Minute},
		actionBatch:        {Max: 5, Window: time.Minute},
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// bind decodes and validates a request body, writing a 400 on failure.
func (a *API) bind(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, withRequestID(r, map[string]any{
			"error":  "Invalid request data",
			"fields": validationFields(err),
		}))
		return false
	}
	return true
}

func validationFields(err error) map[string]string {
	out := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out["_"] = err.Error()
		return out
	}
	for _, fe := range verrs {
		out[lowerFirst(fe.Field())] = fe.Tag()
	}
	return out
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

// handleError maps auth error kinds to status codes. The message of *auth.Error
// reaches the client verbatim.
func handleError(w http.ResponseWriter, r *http.Request, err error) {
	var aerr *auth.Error
	msg := err.Error()
	switch {
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidToken):
		w.Header().Set("WWW-Authenticate", `Bearer realm="coursegate"`)
		writeError(w, r, http.StatusUnauthorized, msg)
	case errors.Is(err, auth.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, msg)
	case errors.Is(err, auth.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, msg)
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, msg)
	case errors.Is(err, auth.ErrNotFound):
		if errors.As(err, &aerr) {
			msg = aerr.Message
		}
		writeError(w, r, http.StatusNotFound, msg)
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, msg)
	default:
		requestLogger(r).Error().Err(err).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, withRequestID(r, map[string]any{
		"error": msg,
	}))
}

func withRequestID(r *http.Request, payload map[string]any) map[string]any {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	return payload
}

func parseBoundedInt(name, raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if val < min || val > max {
		return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return val, nil
}
