// Package system holds the generic HTTP plumbing: typed handler wrappers
// and the error-to-status mapping.
package system

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/dosprobe/dosprobe/api/pkg/types"
)

// APISubPath is the prefix all JSON endpoints are served under.
const APISubPath = "/api"

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

func NewHTTPError400(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusBadRequest, Message: message}
}

func NewHTTPError404(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusNotFound, Message: message}
}

func NewHTTPError500(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusInternalServerError, Message: message}
}

func NewHTTPError503(message string) *HTTPError {
	return &HTTPError{StatusCode: http.StatusServiceUnavailable, Message: message}
}

// FromError maps the domain error taxonomy onto HTTP statuses: bad
// arguments are 400, a missing backend is 503, timeouts are 504, everything
// else, unsupported operations included, is 500.
func FromError(err error) *HTTPError {
	var argErr *types.ArgumentError
	if errors.As(err, &argErr) {
		return NewHTTPError400(err.Error())
	}
	if errors.Is(err, types.ErrNoBackend) {
		return NewHTTPError503(err.Error())
	}
	var timeoutErr *types.TimeoutError
	if errors.As(err, &timeoutErr) {
		return &HTTPError{StatusCode: http.StatusGatewayTimeout, Message: err.Error()}
	}
	return NewHTTPError500(err.Error())
}

// functions that understand they need to return a http error
type httpWrapper[T any] func(res http.ResponseWriter, req *http.Request) (T, *HTTPError)

// normal functions that return just an error, translated via FromError
type defaultWrapper[T any] func(res http.ResponseWriter, req *http.Request) (T, error)

// Wrapper adapts a typed handler into an http.HandlerFunc, encoding the
// result as JSON and rendering the error with its chosen status code.
func Wrapper[T any](handler httpWrapper[T]) func(res http.ResponseWriter, req *http.Request) {
	return func(res http.ResponseWriter, req *http.Request) {
		data, err := handler(res, req)
		if err != nil {
			log.Error().Str("path", req.URL.Path).Msgf("error for route: %s", err.Error())
			statusCode := err.StatusCode
			if statusCode == 0 {
				statusCode = http.StatusInternalServerError
			}
			http.Error(res, err.Error(), statusCode)
			return
		}
		res.Header().Set("Content-Type", "application/json")
		if jsonError := json.NewEncoder(res).Encode(data); jsonError != nil {
			log.Ctx(req.Context()).Error().Msgf("error for json encoding: %s", jsonError.Error())
			http.Error(res, jsonError.Error(), http.StatusInternalServerError)
		}
	}
}

// DefaultWrapper is for handlers returning plain errors; the status code is
// derived from the error type.
func DefaultWrapper[T any](handler defaultWrapper[T]) func(res http.ResponseWriter, req *http.Request) {
	return Wrapper(func(res http.ResponseWriter, req *http.Request) (T, *HTTPError) {
		data, err := handler(res, req)
		if err != nil {
			return data, FromError(err)
		}
		return data, nil
	})
}
