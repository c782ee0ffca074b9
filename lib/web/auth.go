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
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"

	"github.com/fateworks/pik/lib/httplib"
)

func (h *Handler) registerOptions(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req struct {
		HeroName      string `json:"hero_name"`
		FateAlignment string `json:"fate_alignment"`
		Origin        string `json:"origin,omitempty"`
		SourceID      string `json:"source_id,omitempty"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	options, err := h.cfg.WebAuthn.BeginEnrollment(r.Context(), req.HeroName, req.FateAlignment, req.Origin, req.SourceID)
	return options, trace.Wrap(err)
}

func (h *Handler) registerVerify(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	result, err := h.cfg.WebAuthn.FinishRegistration(r.Context(), r.Body)
	return result, trace.Wrap(err)
}

func (h *Handler) authenticateOptions(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req struct {
		RootID string `json:"root_id,omitempty"`
	}
	// An empty body requests a discoverable-credential ceremony.
	if r.ContentLength > 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	assertion, err := h.cfg.WebAuthn.BeginAuthentication(r.Context(), req.RootID)
	return assertion, trace.Wrap(err)
}

func (h *Handler) authenticateVerify(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	result, err := h.cfg.WebAuthn.FinishAuthentication(r.Context(), r.Body)
	return result, trace.Wrap(err)
}

func (h *Handler) listKeys(w http.ResponseWriter, r *http.Request, p httprouter.Params, rootID string) (interface{}, error) {
	keys, err := h.cfg.Keys.List(r.Context(), rootID)
	return keys, trace.Wrap(err)
}

// postKey handles POST /api/auth/keys/rotate via the wildcard route.
func (h *Handler) postKey(w http.ResponseWriter, r *http.Request, p httprouter.Params, rootID string) (interface{}, error) {
	if p.ByName("key_id") != "rotate" {
		return nil, trace.NotFound("not found")
	}
	var req struct {
		KeyName string `json:"key_name,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	options, err := h.cfg.WebAuthn.BeginRotation(r.Context(), rootID, req.KeyName)
	return options, trace.Wrap(err)
}

// postKeyAction handles POST /api/auth/keys/rotate/verify and POST
// /api/auth/keys/:key_id/revoke via the wildcard route.
func (h *Handler) postKeyAction(w http.ResponseWriter, r *http.Request, p httprouter.Params, rootID string) (interface{}, error) {
	keyID := p.ByName("key_id")
	action := p.ByName("action")
	switch {
	case keyID == "rotate" && action == "verify":
		result, err := h.cfg.WebAuthn.FinishRegistration(r.Context(), r.Body)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if result.RootID != rootID {
			return nil, trace.AccessDenied("session does not match identity %q", result.RootID)
		}
		return result, nil
	case action == "revoke":
		key, err := h.cfg.Keys.Revoke(r.Context(), rootID, keyID)
		return key, trace.Wrap(err)
	default:
		return nil, trace.NotFound("not found")
	}
}

// impersonate mints a session for an identity without a ceremony. It
// exists for demos and operator tooling.
func (h *Handler) impersonate(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	ctx := r.Context()
	rootID := p.ByName("root_id")
	root, err := h.cfg.Backend.GetRootIdentity(ctx, nil, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	token, expiresAt, err := h.cfg.Sessions.Issue(ctx, root.ID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"root_id":            root.ID,
		"hero_name":          root.HeroName,
		"session_token":      token,
		"session_expires_at": expiresAt,
	}, nil
}
