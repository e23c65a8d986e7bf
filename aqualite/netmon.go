// Copyright 2025 CNSChanasorn
// SPDX-License-Identifier: Apache-2.0

package aqualite

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor reports device connectivity, on demand and via change
// notifications. Being offline is the expected steady state for this
// engine, not an error.
type Monitor interface {
	// Online reports current connectivity.
	Online(ctx context.Context) bool
	// OnChange registers a callback fired on every connectivity edge.
	// The returned func cancels the subscription.
	OnChange(fn func(online bool)) (cancel func())
}

// ProbeMonitor determines connectivity by probing an HTTP endpoint
// (typically the sync server's health route). Start launches a
// background poll that fires OnChange callbacks on state edges;
// Online always probes fresh.
type ProbeMonitor struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger

	mu      sync.Mutex
	subs    map[int]func(bool)
	nextSub int
	online  bool
	known   bool
}

// NewProbeMonitor creates a monitor probing url every interval.
func NewProbeMonitor(url string, interval time.Duration, logger *slog.Logger) *ProbeMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProbeMonitor{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		subs:     make(map[int]func(bool)),
	}
}

// Online probes the endpoint once. Any failure means offline.
func (m *ProbeMonitor) Online(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// OnChange registers fn for connectivity edges observed by the poll loop.
func (m *ProbeMonitor) OnChange(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Start runs the poll loop until ctx is cancelled.
func (m *ProbeMonitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			m.poll(ctx)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func (m *ProbeMonitor) poll(ctx context.Context) {
	online := m.Online(ctx)

	m.mu.Lock()
	changed := !m.known || m.online != online
	m.known = true
	m.online = online
	var fns []func(bool)
	if changed {
		for _, fn := range m.subs {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	if changed {
		m.logger.Info("connectivity changed", "online", online)
		for _, fn := range fns {
			fn(online)
		}
	}
}

// StaticMonitor is a manually driven Monitor for tests and for hosts
// that already know their connectivity.
type StaticMonitor struct {
	mu      sync.Mutex
	online  bool
	subs    map[int]func(bool)
	nextSub int
}

// NewStaticMonitor creates a monitor with the given initial state.
func NewStaticMonitor(online bool) *StaticMonitor {
	return &StaticMonitor{online: online, subs: make(map[int]func(bool))}
}

// Online reports the last value passed to SetOnline.
func (m *StaticMonitor) Online(context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline flips the state and notifies subscribers on an edge.
func (m *StaticMonitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	var fns []func(bool)
	if changed {
		for _, fn := range m.subs {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(online)
	}
}

// OnChange registers fn for edges triggered by SetOnline.
func (m *StaticMonitor) OnChange(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
