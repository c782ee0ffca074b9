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

// Package events implements the append-only identity ledger and the
// in-process fan-out bus that carries committed ledger rows to
// observers.
package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/fateworks/pik"
	"github.com/fateworks/pik/lib/defaults"
)

// Event is the post-commit projection of one ledger row, as published
// to subscribers and serialized onto SSE streams.
type Event struct {
	ID        string          `json:"event_id"`
	RootID    string          `json:"root_id"`
	Type      string          `json:"event_type"`
	SourceID  string          `json:"source_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Changes   json.RawMessage `json:"changes,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// BusConfig holds fan-out tuning knobs.
type BusConfig struct {
	// MaxSubscribers bounds concurrent observers.
	MaxSubscribers int
	// BufferSize is the per-subscriber pending event buffer.
	BufferSize int
}

func (c *BusConfig) SetDefaults() {
	if c.MaxSubscribers == 0 {
		c.MaxSubscribers = defaults.EventBusMaxSubscribers
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaults.EventBusBufferSize
	}
}

// Bus is a single-process publish/subscribe fan-out. Publish never
// blocks: a subscriber that cannot keep up loses its oldest pending
// events instead of stalling the publisher or its peers.
type Bus struct {
	cfg    BusConfig
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
}

// NewBus allocates a fan-out bus.
func NewBus(cfg BusConfig) *Bus {
	cfg.SetDefaults()
	return &Bus{
		cfg:    cfg,
		logger: slog.With(pik.ComponentKey, pik.ComponentLedger),
		subs:   make(map[uint64]*Subscriber),
	}
}

// Subscriber is one registered observer.
type Subscriber struct {
	id  uint64
	bus *Bus
	ch  chan Event
}

// Events returns the subscriber's delivery channel.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Close unregisters the subscriber. Safe to call more than once.
func (s *Subscriber) Close() {
	s.bus.unsubscribe(s.id)
}

// Subscribe registers a new observer. It fails when the subscriber
// limit is reached.
func (b *Bus) Subscribe() (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) >= b.cfg.MaxSubscribers {
		return nil, trace.LimitExceeded("event bus subscriber limit (%v) reached", b.cfg.MaxSubscribers)
	}
	b.nextID++
	sub := &Subscriber{
		id:  b.nextID,
		bus: b,
		ch:  make(chan Event, b.cfg.BufferSize),
	}
	b.subs[sub.id] = sub
	return sub, nil
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// NumSubscribers returns the current observer count.
func (b *Bus) NumSubscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers the event to every subscriber without blocking.
// Publish iterates a snapshot so subscribe/unsubscribe during
// delivery cannot deadlock.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	snapshot := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		snapshot = append(snapshot, sub)
	}
	b.mu.Unlock()

	for _, sub := range snapshot {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Full buffer: drop the subscriber's oldest pending event to
		// make room. The retry send can still lose the race against a
		// concurrent Publish; dropping here is fine too.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("Dropped event for slow subscriber", "event_type", ev.Type)
		}
	}
}
