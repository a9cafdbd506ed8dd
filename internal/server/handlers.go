package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/uisync/uisync/internal/ir"
	"github.com/uisync/uisync/internal/session"
)

// maxSendBody bounds /send payloads.
const maxSendBody = 16 << 20

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"sessions":     stats.Sessions,
		"totalDevices": stats.TotalDevices,
	})
}

func (s *Server) handleSessionNew(w http.ResponseWriter, r *http.Request) {
	sess := s.registry.CreateSession()
	host := s.opts.PublicHost
	if host == "" {
		host = r.Host
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"sessionId": sess.ID,
		"wsUrl":     fmt.Sprintf("ws://%s/ws?session=%s", host, sess.ID),
		"expiresAt": sess.ExpiresAt().Format(time.RFC3339),
	})
}

// sessionFromRequest resolves {id} and writes the error response itself
// when the session is unusable.
func (s *Server) sessionFromRequest(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	id := chi.URLParam(r, "id")
	sess, err := s.registry.Get(id)
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Sprintf("session %s not found", id))
		return nil, false
	case errors.Is(err, session.ErrExpired):
		writeError(w, http.StatusGone, fmt.Sprintf("session %s expired", id))
		return nil, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return sess, true
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	devices := make([]map[string]any, 0)
	for _, d := range sess.Devices() {
		devices = append(devices, map[string]any{
			"connectionId": d.ConnectionID,
			"deviceId":     d.DeviceID,
			"platform":     d.Platform,
			"deviceName":   d.DeviceName,
			"connectedAt":  d.ConnectedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"createdAt": sess.CreatedAt.Format(time.RFC3339),
		"expiresAt": sess.ExpiresAt().Format(time.RFC3339),
		"sequence":  sess.Sequence(),
		"devices":   devices,
	})
}

func (s *Server) handleSessionHealth(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.sessionFromRequest(w, r); !ok {
		return
	}
	ss, err := s.registry.SessionStatsFor(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	healthy, unhealthy := 0, 0
	devices := make([]map[string]any, 0, len(ss.Devices))
	for _, d := range ss.Devices {
		if d.Healthy {
			healthy++
		} else {
			unhealthy++
		}
		devices = append(devices, map[string]any{
			"connectionId":      d.ConnectionID,
			"healthy":           d.Healthy,
			"lastPingAt":        d.LastPingAt.Format(time.RFC3339),
			"lastAckedSequence": d.LastAckedSequence,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": ss.ID,
		"healthy":   healthy,
		"unhealthy": unhealthy,
		"devices":   devices,
	})
}

func (s *Server) handleSessionExtend(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	until, err := s.registry.Extend(sess.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sess.ID,
		"expiresAt": until.Format(time.RFC3339),
	})
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}
	s.registry.Delete(sess.ID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromRequest(w, r)
	if !ok {
		return
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxSendBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading body: "+err.Error())
		return
	}
	doc, err := ir.Parse(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid IR document: "+err.Error())
		return
	}

	preserveState := r.URL.Query().Get("preserveState") != "false"
	res, err := s.dispatcher.PushUpdateImmediate(sess.ID, doc, preserveState)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.metrics.RecordUpdate(string(res.Kind))
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"clientsUpdated": res.DevicesUpdated,
		"updateType":     string(res.Kind),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Stats()
	s.metrics.SetSessionGauges(stats.Sessions, stats.TotalDevices)
	writeJSON(w, http.StatusOK, stats)
}
