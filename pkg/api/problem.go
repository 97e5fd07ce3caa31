package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/anshveerturna/PredatorBrowser/pkg/audit"
	"github.com/anshveerturna/PredatorBrowser/pkg/cluster"
	"github.com/anshveerturna/PredatorBrowser/pkg/engine"
	"github.com/anshveerturna/PredatorBrowser/pkg/perrors"
)

// Problem is an RFC 7807 problem detail. Every error response uses it.
type Problem struct {
	Type      string `json:"type"`
	Title     string `json:"title"`
	Status    int    `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Code      string `json:"code,omitempty"`
	Instance  string `json:"instance,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string) {
	p := &Problem{
		Type:      "about:blank",
		Title:     http.StatusText(status),
		Status:    status,
		Detail:    detail,
		Code:      code,
		Instance:  r.URL.Path,
		RequestID: middleware.GetReqID(r.Context()),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(p)
}

func badRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, http.StatusBadRequest, perrors.CodeValidation, detail)
}

// writeError maps err onto a status. Internal failures are logged and never
// echoed to the client.
func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code := perrors.Code(err)
	var (
		circuit *perrors.CircuitOpenError
		quota   *perrors.QuotaExceededError
	)
	switch {
	case errors.Is(err, perrors.ErrValidation):
		writeProblem(w, r, http.StatusBadRequest, code, err.Error())
	case errors.As(err, &quota):
		w.Header().Set("Retry-After", "60")
		writeProblem(w, r, http.StatusTooManyRequests, code, err.Error())
	case errors.As(err, &circuit):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(circuit.RetryAfter.Seconds()))))
		writeProblem(w, r, http.StatusServiceUnavailable, code, err.Error())
	case errors.Is(err, perrors.ErrQuotaExceeded):
		writeProblem(w, r, http.StatusTooManyRequests, code, err.Error())
	case errors.Is(err, perrors.ErrCircuitOpen):
		writeProblem(w, r, http.StatusServiceUnavailable, code, err.Error())
	case errors.Is(err, perrors.ErrPrecondition):
		writeProblem(w, r, http.StatusPreconditionFailed, code, err.Error())
	case errors.Is(err, perrors.ErrConflict):
		writeProblem(w, r, http.StatusConflict, "ERR_CONFLICT", err.Error())
	case errors.Is(err, perrors.ErrCancelNotPermitted):
		writeProblem(w, r, http.StatusConflict, "ERR_CANCEL_NOT_PERMITTED", err.Error())
	case errors.Is(err, perrors.ErrCanceled):
		writeProblem(w, r, http.StatusConflict, code, err.Error())
	case errors.Is(err, engine.ErrNotInFlight), errors.Is(err, audit.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, "ERR_NOT_FOUND", err.Error())
	case errors.Is(err, audit.ErrInvalidRange):
		writeProblem(w, r, http.StatusBadRequest, perrors.CodeValidation, err.Error())
	case errors.Is(err, cluster.ErrStopped), errors.Is(err, cluster.ErrNotStarted):
		writeProblem(w, r, http.StatusServiceUnavailable, "ERR_UNAVAILABLE", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeProblem(w, r, http.StatusGatewayTimeout, "ERR_TIMEOUT", "action did not finish in time")
	default:
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err))
		writeProblem(w, r, http.StatusInternalServerError, code, "an unexpected error occurred")
	}
}
