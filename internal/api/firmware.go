package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/smartprobe/probed/internal/firmware"
	"github.com/smartprobe/probed/internal/logging"
	"github.com/smartprobe/probed/pkg/protocol"
)

// UpdateField is the multipart field carrying the firmware image.
const UpdateField = "update"

const historyLimit = 20

// handleUpdate streams the "update" part straight into the updater without
// buffering the image in memory.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if s.Updater.InProgress() {
		s.sendError(w, http.StatusConflict, firmware.ErrBusy.Error())
		return
	}

	limit := s.MaxFirmwareSize
	if limit > 0 {
		if r.ContentLength > limit+multipartOverhead {
			s.sendError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("file too large: max %d bytes", limit))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}
	part, err := nextPart(mr, UpdateField)
	if err != nil {
		s.sendUploadError(w, r, err)
		return
	}
	defer part.Close()

	res, err := s.Updater.Apply(r.Context(), part.FileName(), part)
	if err != nil {
		s.sendUploadError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.UpdateResponse{
		Success:  true,
		ID:       res.ID,
		Filename: res.Filename,
		Size:     res.Size,
		SHA256:   res.SHA256,
		Status:   res.Status,
	})
}

var errNoUpdatePart = errors.New(`missing "update" file field`)

// nextPart skips form parts until the named one.
func nextPart(mr *multipart.Reader, name string) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errNoUpdatePart
		}
		if err != nil {
			return nil, err
		}
		if part.FormName() == name {
			return part, nil
		}
		part.Close()
	}
}

func (s *Server) sendUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, firmware.ErrBusy):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errNoUpdatePart), errors.Is(err, firmware.ErrEmpty), errors.Is(err, firmware.ErrBadMagic):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, firmware.ErrTooLarge), errors.As(err, &maxErr):
		s.sendError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("file too large: max %d bytes", s.MaxFirmwareSize))
	default:
		logging.WithContext(r.Context()).Error("firmware update failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleUpdateHistory(w http.ResponseWriter, r *http.Request) {
	limit := historyLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	recs, err := s.Updater.History(r.Context(), limit)
	if err != nil {
		logging.WithContext(r.Context()).Error("list update history failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to list updates")
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.HistoryResponse{Updates: recs})
}
