package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"zigbee-go-stack/internal/security"
	"zigbee-go-stack/internal/stack"
	"zigbee-go-stack/internal/zdo"
)

// snapshot fetches the stack state, answering 503 when the stack does not
// respond.
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) (stack.Snapshot, bool) {
	snap, err := s.backend.Snapshot(r.Context())
	if err != nil {
		s.logger.Error("snapshot", "err", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "stack unavailable"})
		return stack.Snapshot{}, false
	}
	return snap, true
}

func (s *Server) handleAPIState(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w, r); ok {
		s.writeJSON(w, http.StatusOK, snap)
	}
}

func (s *Server) handleAPIRoutes(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w, r); ok {
		s.writeJSON(w, http.StatusOK, snap.Routes)
	}
}

func (s *Server) handleAPINeighbors(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w, r); ok {
		s.writeJSON(w, http.StatusOK, snap.Neighbors)
	}
}

func (s *Server) handleAPIAddressMap(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w, r); ok {
		s.writeJSON(w, http.StatusOK, snap.AddressMap)
	}
}

func (s *Server) handleAPIDevices(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w, r); ok {
		s.writeJSON(w, http.StatusOK, snap.Devices)
	}
}

func (s *Server) handleAPICounters(w http.ResponseWriter, r *http.Request) {
	if snap, ok := s.snapshot(w, r); ok {
		s.writeJSON(w, http.StatusOK, snap.Counters)
	}
}

func (s *Server) handleAPIRemoveDevice(w http.ResponseWriter, r *http.Request) {
	ext, err := stack.ParseExtAddr(r.PathValue("ext"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := s.backend.RemoveDevice(r.Context(), ext); err != nil {
		s.writeError(w, "remove device", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type permitJoinRequest struct {
	Duration uint8 `json:"duration"`
}

func (s *Server) handleAPIPermitJoin(w http.ResponseWriter, r *http.Request) {
	var req permitJoinRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	if err := s.backend.PermitJoin(r.Context(), req.Duration); err != nil {
		s.writeError(w, "permit join", err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"duration": req.Duration,
	})
}

type rotateKeyRequest struct {
	// Key is the new network key in hex; empty draws a random one.
	Key string `json:"key"`
}

func (s *Server) handleAPIRotateKey(w http.ResponseWriter, r *http.Request) {
	var req rotateKeyRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	var key security.Key
	if req.Key != "" {
		k, err := stack.ParseKey(req.Key)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		key = k
	}
	if err := s.backend.RotateNetworkKey(r.Context(), key); err != nil {
		s.writeError(w, "rotate key", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

// writeError maps stack errors to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, zdo.ErrNotRunning), errors.Is(err, zdo.ErrNotTrustCenter):
		status = http.StatusConflict
	case errors.Is(err, zdo.ErrBusy):
		status = http.StatusTooManyRequests
	}
	s.logger.Error(op, "err", err)
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
