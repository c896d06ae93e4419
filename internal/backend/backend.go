package backend

import (
	"context"
	"fmt"
	"net/url"
)

// Caller is the interface that all backend service clients must implement.
type Caller interface {
	// Issue sends req to the backend. Exactly one of onSuccess or onError is
	// invoked, exactly once, asynchronously on a background goroutine. Issue
	// itself never blocks on the network.
	Issue(ctx context.Context, req Request, onSuccess SuccessHandler, onError ErrorHandler)
}

// SuccessHandler receives the raw response payload of a successful call.
type SuccessHandler func(payload []byte)

// ErrorHandler receives the backend's error code and diagnostic message.
type ErrorHandler func(code int, message string)

// Request describes one backend operation.
type Request struct {
	Method string     `json:"method"`
	Path   string     `json:"path"`
	Query  url.Values `json:"query,omitempty"`
	// Body is JSON-encoded when non-nil.
	Body any `json:"body,omitempty"`
	// Token is the bearer credential for the acting user, if any.
	Token string `json:"-"`
}

// Transport-level error codes reported when the backend never answered.
const (
	CodeTransport = 0
	CodeCanceled  = -1
)

// RequestError is a backend failure carrying the service's code and message.
type RequestError struct {
	Code    int    `json:"errorCode"`
	Message string `json:"errorMessage"`
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("backend error %d: %s", e.Code, e.Message)
}

// CallerFunc adapts a function to the Caller interface.
type CallerFunc func(ctx context.Context, req Request, onSuccess SuccessHandler, onError ErrorHandler)

// Issue calls f.
func (f CallerFunc) Issue(ctx context.Context, req Request, onSuccess SuccessHandler, onError ErrorHandler) {
	f(ctx, req, onSuccess, onError)
}
