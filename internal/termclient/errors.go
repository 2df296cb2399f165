package termclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/edurange/termbridge/internal/wire"
)

var (
	ErrSessionNotFound    = errors.New("session not found")
	ErrTargetUnreachable  = errors.New("target unreachable")
	ErrInvalidDimensions  = errors.New("invalid dimensions")
	ErrInputTooLarge      = errors.New("input too large")
	ErrRateLimited        = errors.New("rate limited")
	ErrGaveUp             = errors.New("gave up reconnecting")
	ErrTerminalClosed     = errors.New("terminal closed")
	ErrTransportAbandoned = errors.New("output stream ended")
)

// APIError is a non-2xx response from the bridge.
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("bridge returned %d", e.Status)
	}
	return fmt.Sprintf("bridge returned %d: %s", e.Status, e.Detail)
}

// Unwrap maps the error code onto the package sentinels so callers can use
// errors.Is on the same taxonomy the server uses.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case wire.CodeSessionNotFound:
		return ErrSessionNotFound
	case wire.CodeTargetUnreachable:
		return ErrTargetUnreachable
	case wire.CodeInvalidDimensions:
		return ErrInvalidDimensions
	case wire.CodeInputTooLarge:
		return ErrInputTooLarge
	case wire.CodeRateLimited:
		return ErrRateLimited
	}
	if e.Status == http.StatusNotFound {
		return ErrSessionNotFound
	}
	return nil
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	apiErr := &APIError{Status: resp.StatusCode}
	var eb wire.ErrorBody
	if json.Unmarshal(body, &eb) == nil {
		apiErr.Code = eb.Code
		apiErr.Detail = eb.Detail
	}
	return apiErr
}
