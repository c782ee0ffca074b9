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

// Package limiter is an in-memory sliding-window rate limiter keyed
// by (policy, client). The window estimate weights the previous
// fixed window by its remaining overlap, which smooths the boundary
// burst a plain fixed window allows.
package limiter

import (
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// Policy bounds one class of routes.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

// Unlimited disables limiting for a route class.
var Unlimited = Policy{Name: "unlimited"}

type counter struct {
	windowStart time.Time
	current     int
	previous    int
}

// Limiter tracks request counts per (policy, client) pair.
type Limiter struct {
	clock clockwork.Clock

	mu       sync.Mutex
	counters map[string]*counter
}

// New builds a limiter on the given clock.
func New(clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		clock:    clock,
		counters: make(map[string]*counter),
	}
}

// Allow records one request and returns a LimitExceeded error with a
// retry hint when the sliding-window estimate is at the policy limit.
func (l *Limiter) Allow(p Policy, client string) (time.Duration, error) {
	if p.Limit <= 0 {
		return 0, nil
	}
	now := l.clock.Now()
	key := p.Name + "/" + client

	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counters[key]
	if !ok {
		c = &counter{windowStart: now.Truncate(p.Window)}
		l.counters[key] = c
	}
	start := now.Truncate(p.Window)
	switch {
	case start.Equal(c.windowStart):
	case start.Equal(c.windowStart.Add(p.Window)):
		c.previous = c.current
		c.current = 0
		c.windowStart = start
	default:
		c.previous = 0
		c.current = 0
		c.windowStart = start
	}

	elapsed := now.Sub(start)
	weight := 1 - float64(elapsed)/float64(p.Window)
	estimate := float64(c.current) + weight*float64(c.previous)
	if estimate >= float64(p.Limit) {
		retryAfter := p.Window - elapsed
		return retryAfter, trace.LimitExceeded("rate limit exceeded for %s", p.Name)
	}
	c.current++
	return 0, nil
}

// Prune drops counters idle for at least two windows of their last
// activity. Callers run it periodically to bound memory.
func (l *Limiter) Prune(olderThan time.Duration) {
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, c := range l.counters {
		if now.Sub(c.windowStart) > olderThan {
			delete(l.counters, key)
		}
	}
}
