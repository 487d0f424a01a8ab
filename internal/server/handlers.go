// Package server exposes HTTP handlers: WebSocket upgrades per namespace,
// health checks and the identity API.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Tyrowin/nexushub/internal/identity"
	"github.com/Tyrowin/nexushub/internal/metrics"
)

// UsernameCookie carries the username chosen through the identity API.
const UsernameCookie = "nexushub_username"

const maxIdentityBody = 4 << 10

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "nexushub server is running!")
}

// clientAddress is the caller's network address without the port. When the
// server trusts a proxy, RealIP has already rewritten RemoteAddr.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// resolveIdentity picks the session username from the cookie, then the
// username query parameter, then the address's most recent claim, and checks
// it against the registry.
func (s *Server) resolveIdentity(r *http.Request) (identity.Identity, error) {
	id := identity.Identity{Address: clientAddress(r)}

	if name := cookieUsername(r); name != "" {
		id.Username = name
	} else if name := strings.TrimSpace(r.URL.Query().Get("username")); name != "" {
		id.Username = name
	} else if name, ok := s.registry.MostRecent(id.Address); ok {
		id.Username = name
	}

	if id.Username == "" || !s.registry.Verify(id) {
		return identity.Identity{}, ErrUnauthenticated
	}
	return id, nil
}

func cookieUsername(r *http.Request) string {
	cookie, err := r.Cookie(UsernameCookie)
	if err != nil {
		return ""
	}
	name, err := url.QueryUnescape(cookie.Value)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(name)
}

// webSocketHandler upgrades a request into a client of namespace. The caller
// must already hold a claimed username for its address.
func (s *Server) webSocketHandler(namespace string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		addr := clientAddress(r)
		if !s.throttle.allow(addr) {
			metrics.ConnectionsRefused.WithLabelValues("throttled").Inc()
			s.logger.Warn().Str("address", addr).Msg("connection throttled")
			http.Error(w, "Too many connection attempts", http.StatusTooManyRequests)
			return
		}

		id, err := s.resolveIdentity(r)
		if err != nil {
			metrics.ConnectionsRefused.WithLabelValues("unauthenticated").Inc()
			s.logger.Info().Str("address", addr).Str("namespace", namespace).Msg("refusing connection without identity")
			http.Error(w, "Choose a username first", http.StatusUnauthorized)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn().Err(err).Str("address", addr).Msg("WebSocket upgrade failed")
			return
		}

		client := NewClient(conn, s.hub, id, namespace, s.cfg.MaxMessageSize, s.dispatcher.Dispatch, s.logger)

		// Register the client with the hub; the hub will launch the pump goroutines.
		if !s.hub.Register(client) {
			_ = conn.Close()
		}
	}
}

type identityResponse struct {
	Address   string   `json:"address"`
	Usernames []string `json:"usernames"`
	Current   string   `json:"current,omitempty"`
}

type claimRequest struct {
	Username string `json:"username"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// getIdentity lists the usernames claimed by the caller's address.
func (s *Server) getIdentity(w http.ResponseWriter, r *http.Request) {
	addr := clientAddress(r)
	resp := identityResponse{Address: addr, Usernames: s.registry.Usernames(addr)}
	if id, err := s.resolveIdentity(r); err == nil {
		resp.Current = id.Username
	}
	writeJSON(w, http.StatusOK, resp)
}

// claimIdentity binds a username to the caller's address and remembers it in
// a cookie for the WebSocket upgrade.
func (s *Server) claimIdentity(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIdentityBody)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	username := strings.TrimSpace(req.Username)
	if s.filter.Disallowed(username) {
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "username not allowed"})
		return
	}

	addr := clientAddress(r)
	switch err := s.registry.Claim(addr, username); {
	case errors.Is(err, identity.ErrEmptyUsername):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "username cannot be empty"})
		return
	case errors.Is(err, identity.ErrUsernameTaken):
		writeJSON(w, http.StatusConflict, errorResponse{Error: "username already taken"})
		return
	case err != nil:
		s.logger.Error().Err(err).Str("address", addr).Msg("claim failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     UsernameCookie,
		Value:    url.QueryEscape(username),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(365 * 24 * time.Hour),
	})
	s.logger.Info().Str("address", addr).Str("username", username).Msg("username claimed")
	writeJSON(w, http.StatusOK, identityResponse{
		Address:   addr,
		Usernames: s.registry.Usernames(addr),
		Current:   username,
	})
}
