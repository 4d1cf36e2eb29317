/*
 * Copyright 2025 Fleetglass Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package hub implements the telemetry distribution core: it consumes
// the telemetry source feed, enriches records with cached driver
// fields, and fans batches out to subscribed sessions filtered by each
// session's authorized device set.
package hub

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/fleetglass/fleetglass/pkg/auth"
	"github.com/fleetglass/fleetglass/pkg/logger"
	"github.com/fleetglass/fleetglass/pkg/models"
	"github.com/fleetglass/fleetglass/pkg/source"
	"github.com/fleetglass/fleetglass/pkg/store"
)

// ErrHubClosed is returned by operations issued after Run has exited.
var ErrHubClosed = errors.New("hub is shut down")

// Session is a connected client from the hub's point of view. Send must
// be non-blocking and safe for concurrent use; it reports false when
// the message was dropped (saturated or closed peer). Close must be
// idempotent.
type Session interface {
	ID() string
	PrincipalID() string
	Send(msg *models.StreamMessage) bool
	Close()
}

type conn struct {
	session   Session
	deviceSet map[string]struct{}
}

type subscribeReq struct {
	sessionID string
	deviceSet map[string]struct{}
	reply     chan subscribeReply
}

// subscribeReply carries everything the caller needs to assemble the
// post-subscribe snapshot outside the run loop: last-seen records for
// devices this process has observed, and the IDs it has not.
type subscribeReply struct {
	known   []models.DeviceUpdate
	missing []string
}

// Hub is the explicitly constructed, lifetime-scoped distribution
// service. All registry and buffer state is confined to the Run
// goroutine; the exported methods communicate with it over channels.
type Hub struct {
	cfg        models.HubConfig
	feed       source.Source
	records    store.RecordStore // nil when no database is configured
	authorizer auth.Authorizer
	cache      *DriverFieldCache
	log        logger.Logger

	register   chan Session
	unregister chan string
	subscribe  chan subscribeReq
	done       chan struct{}

	// Owned by the Run goroutine.
	conns    map[string]*conn
	buffer   []models.DeviceUpdate
	lastSeen map[string]models.DeviceRecord
}

// New constructs a Hub. The configuration must already be validated.
func New(cfg models.HubConfig, feed source.Source, records store.RecordStore, authorizer auth.Authorizer, log logger.Logger) *Hub {
	pattern := regexp.MustCompile(cfg.DriverKeyPattern)

	return &Hub{
		cfg:        cfg,
		feed:       feed,
		records:    records,
		authorizer: authorizer,
		cache:      NewDriverFieldCache(pattern, records, cfg.BackfillDepth, log),
		log:        log.WithComponent("hub"),
		register:   make(chan Session),
		unregister: make(chan string),
		subscribe:  make(chan subscribeReq),
		done:       make(chan struct{}),
		conns:      make(map[string]*conn),
		lastSeen:   make(map[string]models.DeviceRecord),
	}
}

// Run consumes the telemetry feed and serves registry commands until
// the context is canceled. On return all sessions are closed.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)

	ticker := time.NewTicker(time.Duration(h.cfg.FlushInterval))
	defer ticker.Stop()

	changes := h.feed.Changes()

	h.log.Info().
		Int("batch_size", h.cfg.BatchSize).
		Dur("flush_interval", time.Duration(h.cfg.FlushInterval)).
		Msg("Hub running")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return nil

		case change, ok := <-changes:
			if !ok {
				// Source ended; degraded service, existing
				// connections stay up.
				h.log.Warn().Msg("Telemetry feed closed, no further records will flow")

				changes = nil

				continue
			}

			h.onRecord(ctx, change)

		case <-ticker.C:
			if len(h.buffer) > 0 {
				h.flush()
			}

		case session := <-h.register:
			h.conns[session.ID()] = &conn{
				session:   session,
				deviceSet: make(map[string]struct{}),
			}

			h.log.Info().
				Str("connection_id", session.ID()).
				Str("principal", session.PrincipalID()).
				Int("connections", len(h.conns)).
				Msg("Connection registered")

		case sessionID := <-h.unregister:
			if c, ok := h.conns[sessionID]; ok {
				delete(h.conns, sessionID)
				c.session.Close()

				h.log.Info().
					Str("connection_id", sessionID).
					Int("connections", len(h.conns)).
					Msg("Connection deregistered")
			}

		case req := <-h.subscribe:
			req.reply <- h.applySubscription(req)
		}
	}
}

// onRecord enriches one incoming record, tracks it as the device's most
// recent state, and buffers it for fanout. Reaching the size threshold
// flushes immediately without waiting for the timer.
func (h *Hub) onRecord(ctx context.Context, change source.Change) {
	record := h.cache.Enrich(ctx, change.DeviceID, change.Record)

	h.lastSeen[change.DeviceID] = record
	h.buffer = append(h.buffer, models.DeviceUpdate{
		DeviceID: change.DeviceID,
		Data:     record,
	})

	if len(h.buffer) >= h.cfg.BatchSize {
		h.flush()
	}
}

// flush swaps out the pending batch and delivers the filtered subset to
// every connection whose device set intersects it. Each connection's
// set is read once for the whole pass. Delivery never blocks: a
// saturated session drops the batch and catches up via later flushes.
func (h *Hub) flush() {
	batch := h.buffer
	h.buffer = nil

	for _, c := range h.conns {
		if len(c.deviceSet) == 0 {
			continue
		}

		var filtered []models.DeviceUpdate

		for _, update := range batch {
			if _, ok := c.deviceSet[update.DeviceID]; ok {
				filtered = append(filtered, update)
			}
		}

		if len(filtered) == 0 {
			continue
		}

		msg := &models.StreamMessage{
			Type:      models.MessageTypeBatch,
			Devices:   filtered,
			Timestamp: time.Now().UTC(),
		}

		if !c.session.Send(msg) {
			h.log.Warn().
				Str("connection_id", c.session.ID()).
				Int("batch_len", len(filtered)).
				Msg("Dropped batch for saturated connection")
		}
	}
}

func (h *Hub) applySubscription(req subscribeReq) subscribeReply {
	c, ok := h.conns[req.sessionID]
	if !ok {
		return subscribeReply{}
	}

	// Full replacement, never additive.
	c.deviceSet = req.deviceSet

	reply := subscribeReply{}

	for deviceID := range req.deviceSet {
		if record, seen := h.lastSeen[deviceID]; seen {
			reply.known = append(reply.known, models.DeviceUpdate{
				DeviceID: deviceID,
				Data:     record,
			})
		} else {
			reply.missing = append(reply.missing, deviceID)
		}
	}

	return reply
}

func (h *Hub) shutdown() {
	for id, c := range h.conns {
		c.session.Close()
		delete(h.conns, id)
	}

	h.log.Info().Msg("Hub stopped")
}

// Register adds a session to the fanout targets with an empty device
// set. It must be called once per authenticated connection.
func (h *Hub) Register(session Session) {
	select {
	case h.register <- session:
	case <-h.done:
		session.Close()
	}
}

// Deregister removes a session from the fanout targets and closes it.
// Deregistering an unknown or already-removed session is a no-op.
func (h *Hub) Deregister(sessionID string) {
	select {
	case h.unregister <- sessionID:
	case <-h.done:
	}
}

// Subscribe resolves the principal's authorized devices with a fresh
// gateway call, replaces the session's device set with the intersection
// of requested and allowed IDs (disallowed IDs are dropped silently),
// and sends the session an immediate snapshot of the latest known state
// for the resulting set, independent of the batch timer.
func (h *Hub) Subscribe(ctx context.Context, session Session, requested []string) error {
	allowed, err := h.authorizer.AuthorizedDevices(ctx, session.PrincipalID())
	if err != nil {
		return fmt.Errorf("authorization lookup failed: %w", err)
	}

	deviceSet := make(map[string]struct{})

	for _, id := range requested {
		if _, ok := allowed[id]; ok {
			deviceSet[id] = struct{}{}
		}
	}

	req := subscribeReq{
		sessionID: session.ID(),
		deviceSet: deviceSet,
		reply:     make(chan subscribeReply, 1),
	}

	select {
	case h.subscribe <- req:
	case <-h.done:
		return ErrHubClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	var reply subscribeReply

	select {
	case reply = <-req.reply:
	case <-h.done:
		return ErrHubClosed
	}

	h.sendSnapshot(ctx, session, reply)

	return nil
}

// sendSnapshot delivers the latest known record per subscribed device
// as one message, bypassing the batch path. Devices this process has
// not seen yet are fetched from the record store; fetch failures skip
// the device rather than failing the subscribe.
func (h *Hub) sendSnapshot(ctx context.Context, session Session, reply subscribeReply) {
	updates := reply.known

	if h.records != nil {
		for _, deviceID := range reply.missing {
			record, err := h.records.LatestRecord(ctx, deviceID)
			if err != nil {
				if !errors.Is(err, store.ErrNotFound) {
					h.log.Debug().
						Err(err).
						Str("device_id", deviceID).
						Msg("Snapshot lookup failed")
				}

				continue
			}

			enriched := h.cache.Enrich(ctx, deviceID, *record)
			updates = append(updates, models.DeviceUpdate{
				DeviceID: deviceID,
				Data:     enriched,
			})
		}
	}

	if len(updates) == 0 {
		return
	}

	msg := &models.StreamMessage{
		Type:      models.MessageTypeSnapshot,
		Devices:   updates,
		Timestamp: time.Now().UTC(),
	}

	if !session.Send(msg) {
		h.log.Warn().
			Str("connection_id", session.ID()).
			Msg("Dropped snapshot for saturated connection")
	}
}
