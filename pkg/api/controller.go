package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"modernvpn/pkg/catalog"
	"modernvpn/pkg/engine"
	"modernvpn/pkg/log"
	"modernvpn/pkg/model"
	"modernvpn/pkg/wireguard"
)

// Controller serves the user, admin and edge routes.
type Controller struct {
	Engine  Assigner
	Catalog engine.Catalog
}

func (c *Controller) RegisterUserRoutes(r chi.Router) {
	r.Get("/servers", c.handleServers)
	r.Post("/assignments", c.handleAssign)
	r.Get("/assignments", c.handleList)
	r.Get("/assignments/{serverID}/config", c.handleConfig)
	r.Delete("/assignments/{id}", c.handleDelete)
}

func (c *Controller) RegisterAdminRoutes(r chi.Router) {
	r.Get("/stats", c.handleStats)
	r.Get("/servers", c.handleAllServers)
	r.Delete("/assignments/{id}", c.handleRevoke)
}

func (c *Controller) RegisterEdgeRoutes(r chi.Router, hub *WSHub) {
	r.Get("/{serverID}/peers", c.handlePeers)
	if hub != nil {
		r.Get("/{serverID}/ws", hub.HandleEdgeWS)
	}
}

func (c *Controller) handleServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, c.Catalog.List())
}

func (c *Controller) handleAllServers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, c.Catalog.All())
}

func (c *Controller) handleAssign(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	var (
		res engine.Result
		err error
	)
	if req.ServerID == "" {
		res, err = c.Engine.AssignPreferred(r.Context(), p.UserID)
	} else {
		res, err = c.Engine.Assign(r.Context(), p.UserID, req.ServerID)
	}
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, AssignResponse{
		Assignment: res.Assignment,
		Server:     res.Server,
		Reused:     res.Reused,
		Config:     wireguard.RenderClient(res.Assignment, res.Server),
	})
}

func (c *Controller) handleList(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	list, err := c.Engine.List(r.Context(), p.UserID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (c *Controller) handleConfig(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	serverID := chi.URLParam(r, "serverID")
	cfg, err := c.Engine.Config(r.Context(), p.UserID, serverID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="modernvpn-`+serverID+`.conf"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, cfg)
}

func (c *Controller) handleDelete(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	if err := c.Engine.Delete(r.Context(), p.UserID, chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := c.Engine.Revoke(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *Controller) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := c.Engine.Stats(r.Context())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (c *Controller) handlePeers(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverID")
	server, err := c.Catalog.Get(serverID)
	if errors.Is(err, catalog.ErrNotFound) {
		http.Error(w, "unknown server", http.StatusNotFound)
		return
	}
	list, err := c.Engine.ListForServer(r.Context(), serverID)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	peers := make([]model.Assignment, 0, len(list))
	for _, a := range list {
		peers = append(peers, a.Redacted())
	}
	writeJSON(w, http.StatusOK, PeersResponse{Server: server, Peers: peers})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrServerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrAddressExhausted):
		return http.StatusConflict
	case errors.Is(err, engine.ErrKeyGenerationFailed), errors.Is(err, engine.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		log.G(r.Context()).WithError(err).Error("request failed")
	}
	if status == http.StatusInternalServerError {
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.L.WithError(err).Warn("failed to write response")
	}
}
