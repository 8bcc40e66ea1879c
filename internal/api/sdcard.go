package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/smartprobe/probed/internal/logging"
	"github.com/smartprobe/probed/internal/metrics"
	"github.com/smartprobe/probed/internal/sdcard"
	"github.com/smartprobe/probed/pkg/protocol"
)

func (s *Server) handleSDStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Card.Status(r.Context())
	if err != nil {
		logging.WithContext(r.Context()).Error("card status failed", zap.Error(err))
		s.sendError(w, http.StatusServiceUnavailable, "card unavailable")
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSDList(w http.ResponseWriter, r *http.Request) {
	files, err := s.Card.List(r.Context())
	if err != nil {
		logging.WithContext(r.Context()).Error("card list failed", zap.Error(err))
		s.sendError(w, http.StatusServiceUnavailable, "card unavailable")
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.ListResponse{Files: files})
}

// sendCardError maps browser errors to HTTP status codes.
func (s *Server) sendCardError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, sdcard.ErrInvalidName), errors.Is(err, sdcard.ErrNotImage):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, sdcard.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "file not found")
	default:
		logging.WithContext(r.Context()).Error("card access failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "card access failed")
	}
}

func (s *Server) handleSDDownload(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("file")
	if name == "" {
		s.sendError(w, http.StatusBadRequest, "file parameter required")
		return
	}

	f, err := s.Card.Open(r.Context(), name)
	if err != nil {
		metrics.RecordSDDownload(0, false)
		s.sendCardError(w, r, err)
		return
	}
	defer f.Close()

	disposition := "inline"
	if dl, _ := strconv.ParseBool(r.URL.Query().Get("download")); dl {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": f.Name}))
	w.Header().Set("Content-Type", f.ContentType)

	if rs, ok := f.ReadCloser.(io.ReadSeeker); ok {
		http.ServeContent(w, r, f.Name, f.ModTime, rs)
		metrics.RecordSDDownload(f.Size, true)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(f.Size, 10))
	n, err := io.Copy(w, f)
	if err != nil {
		logging.WithContext(r.Context()).Warn("download interrupted", zap.String("file", f.Name), zap.Error(err))
	}
	metrics.RecordSDDownload(n, err == nil)
}

func (s *Server) handleSDThumb(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("file")
	if name == "" {
		s.sendError(w, http.StatusBadRequest, "file parameter required")
		return
	}
	data, err := s.Card.Thumbnail(r.Context(), name)
	if err != nil {
		s.sendCardError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

// handleSDDelete answers operation failures with 200 and success=false so the
// page can show the error text.
func (s *Server) handleSDDelete(w http.ResponseWriter, r *http.Request) {
	if !s.parseForm(w, r) {
		return
	}
	name := r.PostFormValue("file")
	if name == "" {
		s.sendError(w, http.StatusBadRequest, "file parameter required")
		return
	}

	err := s.Card.Delete(r.Context(), name)
	switch {
	case err == nil:
		s.sendSuccess(w)
	case errors.Is(err, sdcard.ErrInvalidName):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		logging.WithContext(r.Context()).Warn("card delete failed", zap.String("file", name), zap.Error(err))
		s.sendJSON(w, http.StatusOK, protocol.SuccessResponse{Success: false, Error: err.Error()})
	}
}
