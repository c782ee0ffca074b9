/*
Copyright 2025 Fateworks, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package httplib implements common utility functions for writing
// classic HTTP handlers. Every API response uses the uniform envelope
// {"status":"ok","data":...} / {"status":"error","message":"..."}.
package httplib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 1 << 20

// HandlerFunc specifies an HTTP handler function that returns a
// payload for the success envelope, or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(r.Context(), w, err)
			return
		}
		// Streaming handlers reply on their own and return (nil, nil).
		if out == nil {
			return
		}
		ReplyJSON(w, http.StatusOK, envelope{Status: "ok", Data: out})
	}
}

// envelope is the uniform response wrapper.
type envelope struct {
	Status  string      `json:"status"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ReadJSON reads an HTTP JSON request and unmarshals it into the
// passed object.
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return trace.Wrap(err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("invalid request body: %v", err)
	}
	return nil
}

// ReplyJSON marshals the response and writes it with the given status
// code.
func ReplyJSON(w http.ResponseWriter, code int, val interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(val); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

// UnauthorizedError maps to 401. The trace taxonomy has no
// unauthorized kind (access denied maps to 403), so session and
// assertion failures carry this type instead.
type UnauthorizedError struct {
	Message string
}

// Error implements error.
func (e *UnauthorizedError) Error() string {
	return e.Message
}

// Unauthorized returns a new 401 error with a formatted message.
func Unauthorized(format string, args ...interface{}) error {
	return &UnauthorizedError{Message: fmt.Sprintf(format, args...)}
}

// IsUnauthorized reports whether err maps to 401.
func IsUnauthorized(err error) bool {
	var ue *UnauthorizedError
	return errors.As(err, &ue)
}

// ErrorToCode maps an error to its HTTP status code.
func ErrorToCode(err error) int {
	switch {
	case IsUnauthorized(err):
		return http.StatusUnauthorized
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsLimitExceeded(err):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// ReplyError writes the error envelope. Expected errors surface their
// message; anything unclassified logs the full chain and replies with
// a generic message.
func ReplyError(ctx context.Context, w http.ResponseWriter, err error) {
	code := ErrorToCode(err)
	message := trace.UserMessage(err)
	if code == http.StatusInternalServerError {
		slog.ErrorContext(ctx, "Handler failed", "error", err)
		message = "internal server error"
	}
	ReplyJSON(w, code, envelope{Status: "error", Message: message})
}
