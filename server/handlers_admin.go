package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/teranos/genq/errors"
	"github.com/teranos/genq/queue"
	"github.com/teranos/genq/sym"
)

// Admin response messages.
const (
	msgLockEnabled         = "Priority lock enabled. Only P1 jobs will be processed."
	msgLockDisabled        = "Priority lock disabled. All jobs will be processed."
	msgMaintenanceEnabled  = "Maintenance mode enabled. New jobs blocked."
	msgMaintenanceDisabled = "Maintenance mode disabled. Accepting new jobs."

	msgMaintenanceActive = "System under maintenance - new jobs temporarily disabled"
	msgOperational       = "System operational"
	msgSubmitMaintenance = "System is in maintenance mode. Please try again later."
)

// toggleRequest is the body of the admin switches. A missing body or
// field means enable.
type toggleRequest struct {
	Enable *bool `json:"enable"`
}

func (t toggleRequest) enabled() bool {
	return t.Enable == nil || *t.Enable
}

// ToggleResponse answers an admin switch.
type ToggleResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Mode    string `json:"mode"`
}

// FlagResponse reports a switch's current value.
type FlagResponse struct {
	Enabled   bool      `json:"enabled"`
	Mode      string    `json:"mode"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MaintenanceStatus reports the maintenance flag without auth.
type MaintenanceStatus struct {
	MaintenanceMode bool   `json:"maintenance_mode"`
	Message         string `json:"message"`
}

func (s *Server) setFlag(w http.ResponseWriter, r *http.Request, name, glyph, onMsg, offMsg string) {
	var req toggleRequest
	if err := readJSON(w, r, &req); err != nil {
		writeErr(w, r, s.logger, err)
		return
	}

	flag, err := s.store.SetFlag(r.Context(), name, req.enabled(), s.now())
	if err != nil {
		writeErr(w, r, s.logger, errors.Wrapf(err, "failed to set %s", name))
		return
	}

	msg := offMsg
	if flag.Enabled {
		msg = onMsg
	}
	s.logger.Infow(fmt.Sprintf("%s %s", glyph, msg),
		"flag", name,
		"mode", flag.Mode(),
		"remote", r.RemoteAddr,
	)
	writeJSON(w, http.StatusOK, ToggleResponse{Success: true, Message: msg, Mode: flag.Mode()})
}

// handleSetPriorityLock enables or disables the priority lock. Coordinators
// see the flag change on their feed and re-evaluate admission.
func (s *Server) handleSetPriorityLock(w http.ResponseWriter, r *http.Request) {
	s.setFlag(w, r, queue.FlagPriorityLock, sym.Lock, msgLockEnabled, msgLockDisabled)
}

func (s *Server) handleGetPriorityLock(w http.ResponseWriter, r *http.Request) {
	flag, err := s.store.Flag(r.Context(), queue.FlagPriorityLock)
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, FlagResponse{Enabled: flag.Enabled, Mode: flag.Mode(), UpdatedAt: flag.UpdatedAt})
}

// handleSetMaintenance enables or disables maintenance mode, which rejects
// new submissions but leaves admission untouched.
func (s *Server) handleSetMaintenance(w http.ResponseWriter, r *http.Request) {
	s.setFlag(w, r, queue.FlagMaintenance, sym.Maint, msgMaintenanceEnabled, msgMaintenanceDisabled)
}

func (s *Server) handleMaintenanceStatus(w http.ResponseWriter, r *http.Request) {
	flag, err := s.store.Flag(r.Context(), queue.FlagMaintenance)
	if err != nil {
		writeErr(w, r, s.logger, err)
		return
	}
	msg := msgOperational
	if flag.Enabled {
		msg = msgMaintenanceActive
	}
	writeJSON(w, http.StatusOK, MaintenanceStatus{MaintenanceMode: flag.Enabled, Message: msg})
}
