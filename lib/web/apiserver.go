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

// Package web is the HTTP API server. Handlers are thin: they parse
// and authenticate, then delegate to the services and engines.
package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/auth"
	"github.com/fateworks/pik/lib/auth/webauthn"
	"github.com/fateworks/pik/lib/backend"
	"github.com/fateworks/pik/lib/defaults"
	"github.com/fateworks/pik/lib/events"
	"github.com/fateworks/pik/lib/httplib"
	"github.com/fateworks/pik/lib/ingest"
	"github.com/fateworks/pik/lib/limiter"
	"github.com/fateworks/pik/lib/loot"
	"github.com/fateworks/pik/lib/services"
)

// Config groups the handler dependencies.
type Config struct {
	Backend  *backend.Backend
	Ledger   *events.Ledger
	Bus      *events.Bus
	Identity *services.Identity
	Sources  *services.SourceRegistry
	Consent  *services.Consent
	Runtime  *services.ConfigService
	Sessions *auth.Sessions
	Keys     *auth.KeyManager
	WebAuthn *webauthn.Engine
	Ingest   *ingest.Engine
	Loot     *loot.Engine
	Limiter  *limiter.Limiter
	Clock    clockwork.Clock

	// CORSOrigins is the allowed origin list. Empty allows any origin.
	CORSOrigins []string
}

// CheckAndSetDefaults validates the config.
func (c *Config) CheckAndSetDefaults() error {
	switch {
	case c.Backend == nil:
		return trace.BadParameter("missing Backend")
	case c.Ledger == nil:
		return trace.BadParameter("missing Ledger")
	case c.Bus == nil:
		return trace.BadParameter("missing Bus")
	case c.Identity == nil:
		return trace.BadParameter("missing Identity")
	case c.Sources == nil:
		return trace.BadParameter("missing Sources")
	case c.Consent == nil:
		return trace.BadParameter("missing Consent")
	case c.Runtime == nil:
		return trace.BadParameter("missing Runtime")
	case c.Sessions == nil:
		return trace.BadParameter("missing Sessions")
	case c.Keys == nil:
		return trace.BadParameter("missing Keys")
	case c.WebAuthn == nil:
		return trace.BadParameter("missing WebAuthn")
	case c.Ingest == nil:
		return trace.BadParameter("missing Ingest")
	case c.Loot == nil:
		return trace.BadParameter("missing Loot")
	case c.Limiter == nil:
		return trace.BadParameter("missing Limiter")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Handler is the public HTTP API.
type Handler struct {
	httprouter.Router
	cfg    Config
	logger *slog.Logger

	policyDefault limiter.Policy
	policyIngest  limiter.Policy
	policyAuth    limiter.Policy
	policyDemo    limiter.Policy
}

// NewHandler builds the API handler and registers every route.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{
		cfg:    cfg,
		logger: slog.With(pik.ComponentKey, pik.ComponentWeb),

		policyDefault: limiter.Policy{Name: "default", Limit: defaults.RateLimitDefault, Window: defaults.RateLimitWindow},
		policyIngest:  limiter.Policy{Name: "ingest", Limit: defaults.RateLimitIngest, Window: defaults.RateLimitWindow},
		policyAuth:    limiter.Policy{Name: "auth", Limit: defaults.RateLimitAuth, Window: defaults.RateLimitWindow},
		policyDemo:    limiter.Policy{Name: "demo", Limit: defaults.RateLimitDemo, Window: defaults.RateLimitWindow},
	}

	// Identity and consent. The router keeps a separate tree per
	// method, but a static segment cannot share a level with a
	// wildcard, so POST /api/users/enroll dispatches from the
	// wildcard route.
	h.POST("/api/users/:root_id", h.limit(h.policyDefault, httplib.MakeHandler(h.postUsers)))
	h.GET("/api/users", h.limit(h.policyDefault, httplib.MakeHandler(h.listUsers)))
	h.GET("/api/users/:root_id", h.limit(h.policyDefault, httplib.MakeHandler(h.getUser)))
	h.GET("/api/users/:root_id/timeline", h.limit(h.policyDefault, httplib.MakeHandler(h.getTimeline)))
	h.PUT("/api/users/:root_id/profile", h.limit(h.policyDefault, httplib.MakeHandler(h.withSession(h.updateProfile))))
	h.PUT("/api/users/:root_id/equipped-title", h.limit(h.policyDefault, httplib.MakeHandler(h.equipTitle)))
	h.POST("/api/users/:root_id/links", h.limit(h.policyDefault, httplib.MakeHandler(h.grantLink)))
	h.GET("/api/users/:root_id/links", h.limit(h.policyDefault, httplib.MakeHandler(h.listLinks)))
	h.DELETE("/api/users/:root_id/links/:link_id", h.limit(h.policyDefault, httplib.MakeHandler(h.revokeLink)))

	// Loot.
	h.POST("/api/users/:root_id/caches", h.limit(h.policyDemo, httplib.MakeHandler(h.grantCache)))
	h.POST("/api/users/:root_id/caches/:cache_id/open", h.limit(h.policyDefault, httplib.MakeHandler(h.openCache)))
	h.GET("/api/users/:root_id/inventory", h.limit(h.policyDefault, httplib.MakeHandler(h.listInventory)))
	h.POST("/api/users/:root_id/equipment", h.limit(h.policyDefault, httplib.MakeHandler(h.equipGear)))

	// Progression ingest.
	h.POST("/api/ingest", h.limit(h.policyIngest, httplib.MakeHandler(h.withSource(h.postIngest))))

	// Passkey ceremonies and session management.
	h.POST("/api/auth/register/options", h.limit(h.policyAuth, httplib.MakeHandler(h.registerOptions)))
	h.POST("/api/auth/register/verify", h.limit(h.policyAuth, httplib.MakeHandler(h.registerVerify)))
	h.POST("/api/auth/authenticate/options", h.limit(h.policyAuth, httplib.MakeHandler(h.authenticateOptions)))
	h.POST("/api/auth/authenticate/verify", h.limit(h.policyAuth, httplib.MakeHandler(h.authenticateVerify)))
	h.GET("/api/auth/keys", h.limit(h.policyDefault, httplib.MakeHandler(h.withSession(h.listKeys))))
	// Same wildcard restriction: "rotate" dispatches from :key_id.
	h.POST("/api/auth/keys/:key_id", h.limit(h.policyAuth, httplib.MakeHandler(h.withSession(h.postKey))))
	h.POST("/api/auth/keys/:key_id/:action", h.limit(h.policyAuth, httplib.MakeHandler(h.withSession(h.postKeyAction))))
	h.POST("/api/auth/impersonate/:root_id", h.limit(h.policyDemo, httplib.MakeHandler(h.impersonate)))

	// Runtime config and source registry.
	h.GET("/api/config", h.limit(h.policyDefault, httplib.MakeHandler(h.getConfig)))
	h.POST("/api/config", h.limit(h.policyDefault, httplib.MakeHandler(h.setConfig)))
	h.GET("/api/sources", h.limit(h.policyDefault, httplib.MakeHandler(h.listSources)))
	h.POST("/api/sources", h.limit(h.policyDefault, httplib.MakeHandler(h.registerSource)))
	h.GET("/api/sources/:id", h.limit(h.policyDefault, httplib.MakeHandler(h.getSource)))
	h.POST("/api/sources/:id/rotate-key", h.limit(h.policyDefault, httplib.MakeHandler(h.rotateSourceKey)))
	h.POST("/api/sources/:id/status", h.limit(h.policyDefault, httplib.MakeHandler(h.setSourceStatus)))

	// Event stream and liveness.
	h.GET("/api/events/stream", h.limit(h.policyDefault, h.streamEvents))
	h.GET("/healthz", httplib.MakeHandler(h.healthz))

	h.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.setCORS(w, r)
		w.WriteHeader(http.StatusNoContent)
	})
	return h, nil
}

// ServeHTTP applies CORS headers before routing.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.setCORS(w, r)
	h.Router.ServeHTTP(w, r)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	return map[string]interface{}{
		"healthy":   true,
		"timestamp": h.cfg.Clock.Now().UTC().Format(time.RFC3339),
	}, nil
}

// postUsers dispatches POST /api/users/enroll from the wildcard
// route.
func (h *Handler) postUsers(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	if p.ByName("root_id") != "enroll" {
		return nil, trace.NotFound("not found")
	}
	var req services.EnrollParams
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.cfg.Identity.Enroll(r.Context(), req)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := map[string]interface{}{
		"root_id":        result.Root.ID,
		"persona_id":     result.Persona.ID,
		"hero_name":      result.Root.HeroName,
		"fate_alignment": result.Root.FateAlignment,
		"enrolled_at":    result.Root.EnrolledAt,
	}
	if result.LinkID != "" {
		out["link_id"] = result.LinkID
	}
	return out, nil
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	roots, err := h.cfg.Backend.ListRootIdentities(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	linkCounts, err := h.cfg.Backend.CountActiveLinksByRoot(r.Context())
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]map[string]interface{}, 0, len(roots))
	for i := range roots {
		out = append(out, map[string]interface{}{
			"root_id":        roots[i].ID,
			"hero_name":      roots[i].HeroName,
			"fate_alignment": roots[i].FateAlignment,
			"fate_xp":        roots[i].FateXP,
			"fate_level":     roots[i].FateLevel,
			"active_sources": linkCounts[roots[i].ID],
		})
	}
	return out, nil
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	ctx := r.Context()
	rootID := p.ByName("root_id")
	root, err := h.cfg.Backend.GetRootIdentity(ctx, nil, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	persona, err := h.cfg.Backend.GetPrimaryPersona(ctx, rootID)
	if err != nil && !trace.IsNotFound(err) {
		return nil, trace.Wrap(err)
	}
	userTitles, titleDetail, err := h.cfg.Backend.ListUserTitles(ctx, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	markers, err := h.cfg.Backend.ListFateMarkers(ctx, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	links, err := h.cfg.Consent.ListLinks(ctx, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	recent, err := h.cfg.Ledger.Recent(ctx, rootID, defaults.RecentEventsLimit)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	caches, err := h.cfg.Backend.ListFateCaches(ctx, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sessions, err := h.cfg.Ledger.CountByType(ctx, rootID, pik.EventSessionCompleted)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	base, mult := h.cfg.Ingest.XPConfigFromRuntime(ctx)
	inLevel, needed := ingest.ProgressWithin(root.FateXP, root.FateLevel, base, mult)
	titleIDs := make([]string, 0, len(userTitles))
	for i := range userTitles {
		titleIDs = append(titleIDs, userTitles[i].TitleID)
	}
	return map[string]interface{}{
		"identity": root,
		"persona":  persona,
		"progression": map[string]interface{}{
			"fate_xp":             root.FateXP,
			"fate_level":          root.FateLevel,
			"xp_in_current_level": inLevel,
			"xp_needed_for_next":  needed,
			"total_sessions":      sessions,
			"titles":              titleIDs,
			"titles_detail":       titleDetail,
			"fate_markers":        markers,
		},
		"source_links":  links,
		"recent_events": recent,
		"fate_caches":   caches,
	}, nil
}

func (h *Handler) getTimeline(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	ctx := r.Context()
	rootID := p.ByName("root_id")
	if _, err := h.cfg.Backend.GetRootIdentity(ctx, nil, rootID); err != nil {
		return nil, trace.Wrap(err)
	}
	timeline, err := h.cfg.Ledger.Timeline(ctx, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	sources, err := h.cfg.Sources.List(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	names := make(map[string]string, len(sources))
	for i := range sources {
		names[sources[i].ID] = sources[i].Name
	}
	out := make([]map[string]interface{}, 0, len(timeline))
	for i := range timeline {
		evt := &timeline[i]
		out = append(out, map[string]interface{}{
			"event_id":        evt.ID,
			"event_type":      evt.Type,
			"source_id":       evt.SourceID,
			"source_name":     names[evt.SourceID],
			"payload":         evt.Payload,
			"changes_applied": evt.Changes,
			"created_at":      evt.CreatedAt,
		})
	}
	return out, nil
}

func (h *Handler) updateProfile(w http.ResponseWriter, r *http.Request, p httprouter.Params, sessionRoot string) (interface{}, error) {
	rootID := p.ByName("root_id")
	if rootID != sessionRoot {
		return nil, trace.AccessDenied("session does not match identity %q", rootID)
	}
	var req services.ProfileUpdate
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	root, err := h.cfg.Identity.UpdateProfile(r.Context(), rootID, req)
	return root, trace.Wrap(err)
}

func (h *Handler) equipTitle(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req struct {
		TitleID *string `json:"title_id"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	titleID := ""
	if req.TitleID != nil {
		titleID = *req.TitleID
	}
	root, err := h.cfg.Identity.EquipTitle(r.Context(), p.ByName("root_id"), titleID)
	return root, trace.Wrap(err)
}

func (h *Handler) grantLink(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req services.GrantParams
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	link, err := h.cfg.Consent.Grant(r.Context(), p.ByName("root_id"), req)
	return link, trace.Wrap(err)
}

func (h *Handler) listLinks(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	links, err := h.cfg.Consent.ListLinks(r.Context(), p.ByName("root_id"))
	return links, trace.Wrap(err)
}

func (h *Handler) revokeLink(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req services.RevokeParams
	// The revocation body is optional.
	if r.ContentLength > 0 {
		if err := httplib.ReadJSON(r, &req); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	link, err := h.cfg.Consent.Revoke(r.Context(), p.ByName("root_id"), p.ByName("link_id"), req)
	return link, trace.Wrap(err)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	cfg, err := h.cfg.Runtime.GetAll(r.Context())
	return cfg, trace.Wrap(err)
}

func (h *Handler) setConfig(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req struct {
		Key   string `json:"config_key"`
		Value string `json:"config_value"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := h.cfg.Runtime.Update(r.Context(), req.Key, req.Value); err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]string{"config_key": req.Key, "config_value": req.Value}, nil
}

func (h *Handler) listSources(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	sources, err := h.cfg.Sources.List(r.Context())
	return sources, trace.Wrap(err)
}

func (h *Handler) registerSource(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req struct {
		SourceID   string `json:"source_id"`
		SourceName string `json:"source_name"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	source, plaintext, err := h.cfg.Sources.Register(r.Context(), req.SourceID, req.SourceName)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// The plaintext key is shown exactly once.
	return map[string]interface{}{
		"source":  source,
		"api_key": plaintext,
	}, nil
}

func (h *Handler) getSource(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	source, err := h.cfg.Sources.Get(r.Context(), p.ByName("id"))
	return source, trace.Wrap(err)
}

func (h *Handler) rotateSourceKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	source, plaintext, err := h.cfg.Sources.RotateKey(r.Context(), p.ByName("id"))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return map[string]interface{}{
		"source":  source,
		"api_key": plaintext,
	}, nil
}

func (h *Handler) setSourceStatus(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	var req struct {
		Status types.SourceStatus `json:"status"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	source, err := h.cfg.Sources.SetStatus(r.Context(), p.ByName("id"), req.Status)
	return source, trace.Wrap(err)
}
