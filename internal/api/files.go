package api

import (
	"errors"
	"mime/multipart"
	"net/http"

	"github.com/dustin/go-humanize"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fruitsalade/workbench/internal/archive"
	"github.com/fruitsalade/workbench/internal/errs"
	"github.com/fruitsalade/workbench/internal/logging"
	"github.com/fruitsalade/workbench/pkg/protocol"
)

// Multipart parts beyond this size are spooled to disk.
const multipartMemory = 32 << 20

// uploadField is the multipart field carrying uploaded files.
const uploadField = "files"

func (s *Server) handleTree(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, s.workspace.ListTree(r.Context()))
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	entry, err := s.workspace.ReadFile(r.Context(), r.PathValue("path"))
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, entry)
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var req protocol.SaveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.sendError(w, r, err)
		return
	}
	if err := s.workspace.SaveFile(r.Context(), req.Path, req.Content); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.workspace.DeleteFile(r.Context(), r.PathValue("path")); err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.SuccessResponse{Success: true})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxUploadSize > 0 {
		if r.ContentLength > s.maxUploadSize {
			s.sendError(w, r, s.uploadTooLarge(nil))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || errors.Is(err, multipart.ErrMessageTooLarge) {
			s.sendError(w, r, s.uploadTooLarge(err))
			return
		}
		if errors.Is(err, http.ErrNotMultipart) {
			s.sendError(w, r, errs.E(errs.BadRequest, "No files provided", err))
			return
		}
		s.sendError(w, r, errs.E(errs.BadRequest, "Invalid upload form", err))
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			logging.Warn("remove multipart temp files", zap.Error(err))
		}
	}()

	headers := r.MultipartForm.File[uploadField]
	if len(headers) == 0 {
		s.sendError(w, r, errs.E(errs.BadRequest, "No files provided", nil))
		return
	}

	uploads := make([]archive.Upload, 0, len(headers))
	var opened []multipart.File
	defer func() {
		var err error
		for _, f := range opened {
			err = multierr.Append(err, f.Close())
		}
		if err != nil {
			logging.Warn("close upload parts", zap.Error(err))
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			s.sendError(w, r, errs.E(errs.IOFailure, "Failed to read upload", err))
			return
		}
		opened = append(opened, f)
		uploads = append(uploads, archive.Upload{Filename: fh.Filename, Body: f})
	}

	files, err := s.expander.ExpandUpload(r.Context(), uploads)
	if err != nil {
		s.sendError(w, r, err)
		return
	}
	s.sendJSON(w, http.StatusOK, protocol.UploadResponse{Success: true, Files: files})
}

func (s *Server) uploadTooLarge(cause error) error {
	return errs.E(errs.TooLarge,
		"File too large: max "+humanize.IBytes(uint64(s.maxUploadSize)), cause)
}
