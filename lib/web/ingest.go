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

	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/httplib"
	"github.com/fateworks/pik/lib/ingest"
	"github.com/fateworks/pik/lib/loot"
)

func (h *Handler) postIngest(w http.ResponseWriter, r *http.Request, p httprouter.Params, src *types.Source) (interface{}, error) {
	var req ingest.Request
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	result, err := h.cfg.Ingest.Ingest(r.Context(), req, src)
	return result, trace.Wrap(err)
}

// grantCache is the operator cache grant used for demos and manual
// compensation.
func (h *Handler) grantCache(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	ctx := r.Context()
	rootID := p.ByName("root_id")
	var req struct {
		CacheType types.CacheType `json:"cache_type"`
		Trigger   string          `json:"trigger,omitempty"`
		Rarity    types.Rarity    `json:"rarity,omitempty"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	root, err := h.cfg.Backend.GetRootIdentity(ctx, nil, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	trigger := req.Trigger
	if trigger == "" {
		trigger = "manual"
	}
	cache, err := h.cfg.Loot.GrantCache(ctx, root.ID, loot.GrantParams{
		Type:    req.CacheType,
		Trigger: trigger,
		Level:   root.FateLevel,
		Rarity:  req.Rarity,
	})
	return cache, trace.Wrap(err)
}

func (h *Handler) openCache(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	result, err := h.cfg.Loot.OpenCache(r.Context(), p.ByName("root_id"), p.ByName("cache_id"))
	return result, trace.Wrap(err)
}

func (h *Handler) listInventory(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	ctx := r.Context()
	rootID := p.ByName("root_id")
	if _, err := h.cfg.Backend.GetRootIdentity(ctx, nil, rootID); err != nil {
		return nil, trace.Wrap(err)
	}
	items, gear, err := h.cfg.Backend.ListInventory(ctx, rootID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	detail := make(map[string]*types.GearItem, len(gear))
	for i := range gear {
		detail[gear[i].ID] = &gear[i]
	}
	out := make([]map[string]interface{}, 0, len(items))
	for i := range items {
		out = append(out, map[string]interface{}{
			"inventory_id": items[i].ID,
			"gear_id":      items[i].GearID,
			"gear":         detail[items[i].GearID],
			"acquired_at":  items[i].AcquiredAt,
		})
	}
	return out, nil
}

func (h *Handler) equipGear(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error) {
	ctx := r.Context()
	rootID := p.ByName("root_id")
	var req struct {
		InventoryID string              `json:"inventory_id"`
		Slot        types.EquipmentSlot `json:"slot"`
	}
	if err := httplib.ReadJSON(r, &req); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := req.Slot.Check(); err != nil {
		return nil, trace.Wrap(err)
	}
	item, err := h.cfg.Backend.GetInventoryItem(ctx, nil, req.InventoryID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if item.RootID != rootID {
		return nil, trace.NotFound("inventory item %q not found", req.InventoryID)
	}
	eq := &types.Equipment{
		RootID:      rootID,
		Slot:        req.Slot,
		InventoryID: item.ID,
		EquippedAt:  h.cfg.Clock.Now(),
	}
	if err := h.cfg.Backend.UpsertEquipment(ctx, nil, eq); err != nil {
		return nil, trace.Wrap(err)
	}
	return eq, nil
}
