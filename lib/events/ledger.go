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

package events

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/fateworks/pik/api/types"
	"github.com/fateworks/pik/lib/backend"
)

// Ledger appends identity events and serves timeline reads. Appends
// always run inside a transaction owned by the caller; the caller
// emits the row on the bus only after that transaction commits, so an
// observer never sees an event whose writes were rolled back.
type Ledger struct {
	backend *backend.Backend
	bus     *Bus
	clock   clockwork.Clock
}

// NewLedger wires the ledger to its store and fan-out bus.
func NewLedger(b *backend.Backend, bus *Bus, clock clockwork.Clock) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{backend: b, bus: bus, clock: clock}
}

// AppendParams describes one ledger row. Payload and Changes accept
// any JSON-marshalable value; json.RawMessage passes through verbatim.
type AppendParams struct {
	RootID   string
	Type     string
	SourceID string
	Payload  interface{}
	Changes  interface{}
}

// Append inserts a ledger row inside the caller's transaction and
// returns it. The caller must Emit the returned row after commit.
func (l *Ledger) Append(ctx context.Context, tx *sql.Tx, p AppendParams) (*types.IdentityEvent, error) {
	if p.RootID == "" {
		return nil, trace.BadParameter("missing root id for ledger append")
	}
	if p.Type == "" {
		return nil, trace.BadParameter("missing event type for ledger append")
	}
	payload, err := marshalOpaque(p.Payload)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	changes, err := marshalOpaque(p.Changes)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	event := &types.IdentityEvent{
		ID:        "evt_" + uuid.NewString(),
		RootID:    p.RootID,
		Type:      p.Type,
		SourceID:  p.SourceID,
		Payload:   payload,
		Changes:   changes,
		CreatedAt: l.clock.Now().UTC(),
	}
	if err := l.backend.InsertIdentityEvent(ctx, tx, event); err != nil {
		return nil, trace.Wrap(err)
	}
	return event, nil
}

// Emit publishes a committed ledger row to subscribers.
func (l *Ledger) Emit(event *types.IdentityEvent) {
	if event == nil {
		return
	}
	l.bus.Publish(Event{
		ID:        event.ID,
		RootID:    event.RootID,
		Type:      event.Type,
		SourceID:  event.SourceID,
		Payload:   event.Payload,
		Changes:   event.Changes,
		CreatedAt: event.CreatedAt,
	})
}

// EmitAll publishes a batch of committed rows in order.
func (l *Ledger) EmitAll(events []*types.IdentityEvent) {
	for _, event := range events {
		l.Emit(event)
	}
}

// Timeline returns a root's events newest-first.
func (l *Ledger) Timeline(ctx context.Context, rootID string) ([]types.IdentityEvent, error) {
	out, err := l.backend.ListIdentityEvents(ctx, rootID, 0)
	return out, trace.Wrap(err)
}

// Recent returns the newest limit events for a root.
func (l *Ledger) Recent(ctx context.Context, rootID string, limit int) ([]types.IdentityEvent, error) {
	out, err := l.backend.ListIdentityEvents(ctx, rootID, limit)
	return out, trace.Wrap(err)
}

// CountByType counts a root's events of one type.
func (l *Ledger) CountByType(ctx context.Context, rootID, eventType string) (int64, error) {
	n, err := l.backend.CountIdentityEventsByType(ctx, rootID, eventType)
	return n, trace.Wrap(err)
}

// TotalCount counts all ledger rows.
func (l *Ledger) TotalCount(ctx context.Context) (int64, error) {
	n, err := l.backend.CountIdentityEvents(ctx)
	return n, trace.Wrap(err)
}

// CountsByType returns ledger row counts keyed by event type.
func (l *Ledger) CountsByType(ctx context.Context) (map[string]int64, error) {
	out, err := l.backend.CountIdentityEventsGroupedByType(ctx)
	return out, trace.Wrap(err)
}

func marshalOpaque(v interface{}) (json.RawMessage, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return val, nil
	case []byte:
		return json.RawMessage(val), nil
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return nil, trace.BadParameter("marshaling event data: %v", err)
		}
		return data, nil
	}
}
