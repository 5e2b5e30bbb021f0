package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"grepwise/internal/alarm"
)

func (s *Server) handleListAlarms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Alarms.List())
}

func (s *Server) handleGetAlarm(w http.ResponseWriter, r *http.Request) {
	a, err := s.opts.Alarms.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleCreateAlarm(w http.ResponseWriter, r *http.Request) {
	var a alarm.Alarm
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_CONFIG", "invalid JSON body: "+err.Error())
		return
	}
	created, err := s.opts.Alarms.Create(a)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_CONFIG", err.Error())
		return
	}
	s.syncAlarm(created.ID)
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleUpdateAlarm(w http.ResponseWriter, r *http.Request) {
	var a alarm.Alarm
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_CONFIG", "invalid JSON body: "+err.Error())
		return
	}
	a.ID = r.PathValue("id")
	if err := s.opts.Alarms.Update(a); err != nil {
		if errors.Is(err, alarm.ErrNotFound) {
			s.fail(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, "BAD_CONFIG", err.Error())
		return
	}
	s.syncAlarm(a.ID)
	updated, err := s.opts.Alarms.Get(a.ID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteAlarm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.opts.Alarms.Delete(id); err != nil {
		s.fail(w, err)
		return
	}
	s.syncAlarm(id)
	w.WriteHeader(http.StatusNoContent)
}

// handleEvaluateAlarm runs one evaluation cycle immediately, outside
// the schedule.
func (s *Server) handleEvaluateAlarm(w http.ResponseWriter, r *http.Request) {
	if s.opts.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "INTERNAL", "alarm scheduler not running")
		return
	}
	res, err := s.opts.Scheduler.Evaluate(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// syncAlarm refreshes the scheduler's job for an alarm after a CRUD
// change. Failures are logged; the store is already updated.
func (s *Server) syncAlarm(id string) {
	if s.opts.Scheduler == nil {
		return
	}
	if err := s.opts.Scheduler.Sync(id); err != nil {
		s.logger.Warn("alarm schedule not synced", "id", id, "error", err)
	}
}
