package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
)

const maxBodyBytes = 1 << 20

// errorResponse — тело ошибки. Поля available/requested совпадают с тем, что ожидает upstream.Caller.
type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind,omitempty"`
	Available *int64 `json:"available,omitempty"`
	Requested *int64 `json:"requested,omitempty"`
}

func encode(status int, v any) (int, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		return http.StatusInternalServerError, []byte(`{"error":"internal error"}`)
	}
	return status, body
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	status, body := encode(status, v)
	writeRaw(w, status, body)
}

func writeError(w http.ResponseWriter, logger *log.Entry, err error) {
	status, body := errorBody(logger, err)
	writeRaw(w, status, body)
}

// errorBody переводит ошибку в HTTP-статус и тело по категории domain.ErrorKind.
func errorBody(logger *log.Entry, err error) (int, []byte) {
	var typed *domain.Error
	errors.As(err, &typed)

	resp := errorResponse{Error: err.Error(), Kind: string(domain.KindOf(err))}
	status := http.StatusInternalServerError

	switch domain.KindOf(err) {
	case domain.KindInvalidRequest, domain.KindInvalidStateTransition:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindInsufficientStock:
		status = http.StatusBadRequest
		if typed != nil {
			resp.Available = &typed.Available
			resp.Requested = &typed.Requested
		}
	case domain.KindUpstreamUnavailable:
		status = http.StatusServiceUnavailable
	case domain.KindUpstreamRejected:
		status = http.StatusBadGateway
		if typed != nil && typed.StatusCode == http.StatusBadRequest {
			status = http.StatusBadRequest
		}
	case domain.KindCompensationFailed:
		status = http.StatusInternalServerError
	default:
		switch {
		case errors.Is(err, idempotency.ErrKeyReused):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, idempotency.ErrInFlight):
			status = http.StatusConflict
		default:
			logger.WithError(err).Error("unhandled error")
			resp.Error = "internal error"
		}
	}
	return encode(status, resp)
}

func writeGuarded(w http.ResponseWriter, resp idempotency.Response) {
	if resp.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}
	writeRaw(w, resp.Status, resp.Body)
}

func parseID(raw, field string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.InvalidRequest(errors.New(field + " must be a positive integer"))
	}
	return id, nil
}
