package api

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxUpload bounds uploaded files.
const MaxUpload = 10 << 20

// textExtensions are the document types /upload accepts.
var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".markdown": true, ".csv": true, ".json": true, ".log": true,
}

type uploadResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// readUpload returns the "file" part of a multipart request.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (name string, data []byte, ok bool) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUpload)
	f, hdr, err := r.FormFile("file")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "file is required")
		return "", nil, false
	}
	defer f.Close()
	data, err = io.ReadAll(f)
	if err != nil {
		s.errorResponse(w, http.StatusRequestEntityTooLarge, "file too large")
		return "", nil, false
	}
	return filepath.Base(hdr.Filename), data, true
}

// handleUpload adds a text document to the caller's long-term memory.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.unavailable(w, s.deps.Memory, "memory") {
		return
	}
	name, data, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	userID := s.userID(r)

	if !textExtensions[strings.ToLower(filepath.Ext(name))] || !utf8.Valid(data) {
		writeJSON(w, uploadResponse{
			Status:  "error",
			Message: fmt.Sprintf("Unsupported file type for '%s'; upload a plain text document", name),
		}, s.logger)
		return
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		writeJSON(w, uploadResponse{
			Status:  "error",
			Message: fmt.Sprintf("Document '%s' is empty", name),
		}, s.logger)
		return
	}

	meta := map[string]string{"source": name, "type": "document"}
	if err := s.deps.Memory.Remember(r.Context(), text, userID, meta); err != nil {
		s.logger.Error("document upload failed", "user", userID, "file", name, "error", err)
		writeJSON(w, uploadResponse{
			Status:  "error",
			Message: fmt.Sprintf("Failed to add '%s' to memory", name),
		}, s.logger)
		return
	}
	s.logger.Info("document remembered", "user", userID, "file", name, "bytes", len(data))
	writeJSON(w, uploadResponse{
		Status:  "success",
		Message: fmt.Sprintf("Document '%s' has been added to MIMIR's memory", name),
	}, s.logger)
}

// handleUploadTemp stores a file for the agent to attach to a later
// message and returns its path.
func (s *Server) handleUploadTemp(w http.ResponseWriter, r *http.Request) {
	if s.opts.UploadDir == "" {
		s.errorResponse(w, http.StatusServiceUnavailable, "uploads not configured")
		return
	}
	name, data, ok := s.readUpload(w, r)
	if !ok {
		return
	}
	if err := os.MkdirAll(s.opts.UploadDir, 0o750); err != nil {
		s.logger.Error("create upload dir failed", "dir", s.opts.UploadDir, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "upload failed")
		return
	}
	path := filepath.Join(s.opts.UploadDir, uuid.NewString()+strings.ToLower(filepath.Ext(name)))
	if err := os.WriteFile(path, data, 0o640); err != nil {
		s.logger.Error("write upload failed", "path", path, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "upload failed")
		return
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	s.logger.Info("temporary upload stored", "user", s.userID(r), "file", name, "path", abs)
	writeJSON(w, map[string]string{"path": abs}, s.logger)
}
