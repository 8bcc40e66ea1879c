package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/smartprobe/probed/internal/logging"
	"github.com/smartprobe/probed/internal/wifi"
	"github.com/smartprobe/probed/pkg/protocol"
)

func (s *Server) handleWifiScan(w http.ResponseWriter, r *http.Request) {
	nets, err := s.Wifi.Scan(r.Context())
	if err != nil {
		logging.WithContext(r.Context()).Warn("wifi scan failed", zap.Error(err))
		s.sendError(w, http.StatusServiceUnavailable, "scan failed")
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.ScanResponse{Networks: nets})
}

func (s *Server) handleWifiSaved(w http.ResponseWriter, r *http.Request) {
	saved, err := s.Wifi.Saved(r.Context())
	if err != nil {
		logging.WithContext(r.Context()).Error("list saved networks failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to list saved networks")
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.SavedResponse{Networks: saved})
}

func (s *Server) handleWifiAdd(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}
	ssid := r.PostFormValue("ssid")
	password := r.PostFormValue("password")

	err := s.Wifi.Add(r.Context(), ssid, password)
	switch {
	case err == nil:
		s.sendSuccess(w)
	case errors.Is(err, wifi.ErrInvalidSSID), errors.Is(err, wifi.ErrInvalidPassword):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		logging.WithContext(r.Context()).Error("save wifi credential failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to save network")
	}
}

func (s *Server) handleWifiClear(w http.ResponseWriter, r *http.Request) {
	if err := s.Wifi.Clear(r.Context()); err != nil {
		logging.WithContext(r.Context()).Error("clear wifi credentials failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to clear networks")
		return
	}
	s.sendSuccess(w)
}
