package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"finitefield.org/storefront/internal/platform/requestctx"
)

const (
	maxCodeLen    = 80
	maxMessageLen = 512
	maxTraceLen   = 64
	maxErrorBody  = 64 << 10
	maxRequestLen = 1 << 20
)

// Error is the JSON error envelope shared by the cart API and the storefront.
// The same shape is written by WriteError and parsed back by ReadError.
type Error struct {
	Code      string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// NewError builds an envelope. A zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clean(code, maxCodeLen),
		Message: clean(message, maxMessageLen),
		Status:  status,
	}
}

func (e Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d %s: %s", e.Status, e.Code, e.Message)
}

// WriteError writes err, stamping the chi request id and trace id from ctx
// when the envelope does not carry them.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	if err.RequestID == "" {
		err.RequestID = clean(middleware.GetReqID(ctx), maxCodeLen)
	}
	if err.TraceID == "" {
		err.TraceID = clean(requestctx.TraceID(ctx), maxTraceLen)
	}
	WriteJSON(w, err.Status, err)
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// ReadError decodes an error envelope from a non-2xx response. Bodies that
// are not an envelope yield an Error carrying the HTTP status and the raw
// body as message.
func ReadError(res *http.Response) Error {
	out := Error{Status: res.StatusCode}
	if res.Body == nil {
		return out
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	if err != nil || len(body) == 0 {
		return out
	}
	var envelope Error
	if err := json.Unmarshal(body, &envelope); err != nil {
		out.Message = clean(string(body), maxMessageLen)
		return out
	}
	out.Code = clean(envelope.Code, maxCodeLen)
	out.Message = clean(envelope.Message, maxMessageLen)
	out.RequestID = clean(envelope.RequestID, maxCodeLen)
	out.TraceID = clean(envelope.TraceID, maxTraceLen)
	if envelope.Status != 0 {
		out.Status = envelope.Status
	}
	return out
}

// DecodeJSON reads a JSON request body into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("httpx: empty body")
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestLen))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// clean flattens line breaks and truncates to limit bytes.
func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
