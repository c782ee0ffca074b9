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

package web

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/httplib"
	"github.com/fateworks/pik/lib/limiter"
)

// limit wraps a route with a rate-limit policy keyed by client IP.
func (h *Handler) limit(p limiter.Policy, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		retryAfter, err := h.cfg.Limiter.Allow(p, clientIP(r))
		if err != nil {
			seconds := int(retryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			httplib.ReplyError(r.Context(), w, err)
			return
		}
		next(w, r, params)
	}
}

// sourceHandler receives the authenticated source resolved from the
// API key header.
type sourceHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, src *types.Source) (interface{}, error)

// withSource authenticates the X-PIK-API-Key header. Any failure is a
// uniform AccessDenied so callers cannot probe for source existence.
func (h *Handler) withSource(fn sourceHandler) httplib.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		src, err := h.cfg.Sources.Authenticate(r.Context(), r.Header.Get(pik.APIKeyHeader))
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, src)
	}
}

// sessionHandler receives the root id of a validated bearer session.
type sessionHandler func(w http.ResponseWriter, r *http.Request, p httprouter.Params, rootID string) (interface{}, error)

// withSession validates the Authorization bearer token.
func (h *Handler) withSession(fn sessionHandler) httplib.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return nil, httplib.Unauthorized("missing session token")
		}
		rootID, err := h.cfg.Sessions.Validate(r.Context(), token)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		return fn(w, r, p, rootID)
	}
}

// setCORS writes the CORS response headers when the request origin is
// allowed.
func (h *Handler) setCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if len(h.cfg.CORSOrigins) == 0 {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		allowed := false
		for _, o := range h.cfg.CORSOrigins {
			if o == origin {
				allowed = true
				break
			}
		}
		if !allowed {
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
	}
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+pik.APIKeyHeader)
}

// clientIP prefers the first X-Forwarded-For hop, falling back to the
// connection peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
