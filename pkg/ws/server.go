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

// Package ws exposes the hub over a WebSocket endpoint.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/fleetglass/fleetglass/pkg/auth"
	"github.com/fleetglass/fleetglass/pkg/hub"
	"github.com/fleetglass/fleetglass/pkg/logger"
	"github.com/fleetglass/fleetglass/pkg/models"
)

const shutdownTimeout = 5 * time.Second

// Server terminates client WebSocket connections and hands
// authenticated sessions to the hub.
type Server struct {
	cfg      models.HubConfig
	distrib  *hub.Hub
	verifier auth.TokenVerifier
	log      logger.Logger
	upgrader websocket.Upgrader
}

// NewServer creates the client-facing server. The configuration must
// already be validated.
func NewServer(cfg models.HubConfig, distrib *hub.Hub, verifier auth.TokenVerifier, log logger.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		distrib:  distrib,
		verifier: verifier,
		log:      log.WithComponent("ws"),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	return s
}

// Router returns the HTTP routes: the streaming endpoint and a process
// liveness probe.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/api/stream", s.handleStream)

	return r
}

// Serve runs the HTTP listener until the context is canceled.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listener.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.ListenAndServe()
	}()

	s.log.Info().Str("listen_addr", s.cfg.Listener.ListenAddr).Msg("WebSocket server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			_ = srv.Close()
		}

		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	}
}

// handleStream upgrades the connection first and authenticates after,
// so an auth failure produces a proper WebSocket close frame instead of
// breaking the handshake.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Str("origin", r.Header.Get("Origin")).
			Msg("Failed to upgrade to WebSocket")

		return
	}

	principal, err := s.authenticate(r)
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("WebSocket authentication failed")

		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(time.Second))
		_ = conn.Close()

		return
	}

	client := newClient(conn, principal, s.distrib, &s.cfg, s.log)
	s.distrib.Register(client)

	s.log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("principal", principal.ID).
		Msg("WebSocket connection established")

	client.run(r.Context())
}

// authenticate resolves the principal from a bearer token in the
// Authorization header or from the accessToken cookie. It returns an
// explicit result rather than mutating the request context.
func (s *Server) authenticate(r *http.Request) (*auth.Principal, error) {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return s.verifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
	}

	if cookie, err := r.Cookie("accessToken"); err == nil {
		return s.verifier.Verify(r.Context(), cookie.Value)
	}

	return nil, auth.ErrInvalidToken
}

// checkOrigin validates the WebSocket origin against the configured
// allow list. Requests without an Origin header are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range s.cfg.Listener.CORS.AllowedOrigins {
		if allowed == origin || allowed == "*" {
			return true
		}
	}

	s.log.Warn().
		Str("origin", origin).
		Msg("WebSocket origin not allowed")

	return false
}
