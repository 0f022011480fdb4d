package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"

	"github.com/org/credvault/internal/secret"
)

// multipartOverhead leaves room for part headers around the file content.
const multipartOverhead = 1 << 20

// FileListHandler handles GET /api/credentials/{id}/files
func (s *Server) FileListHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	files, err := s.files.List(r.Context(), caller, id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, files)
}

// FileUploadHandler handles POST /api/credentials/{id}/files with a
// multipart "file" field. The content is streamed to disk.
func (s *Server) FileUploadHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes+multipartOverhead)
	}

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected multipart/form-data")
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, `missing "file" field`)
			return
		}
		if err != nil {
			writeUploadError(w, r, err)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		info, err := s.files.Upload(r.Context(), caller, id, secret.Upload{
			FileName:    part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Body:        part,
		})
		part.Close()
		if err != nil {
			writeUploadError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, info)
		return
	}
}

func writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeError(w, http.StatusRequestEntityTooLarge, secret.ErrFileTooLarge.Error())
		return
	}
	writeServiceError(w, r, err)
}

// FileDownloadHandler handles GET /api/credentials/{id}/files/{fileId}
func (s *Server) FileDownloadHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	fileID, ok := urlID(w, r, "fileId")
	if !ok {
		return
	}

	meta, rc, err := s.files.Open(r.Context(), caller, id, fileID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": meta.FileName}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("attachment download interrupted")
	}
}

// FileDeleteHandler handles DELETE /api/credentials/{id}/files/{fileId}
func (s *Server) FileDeleteHandler(w http.ResponseWriter, r *http.Request) {
	caller, ok := mustCaller(w, r)
	if !ok {
		return
	}
	id, ok := urlID(w, r, "id")
	if !ok {
		return
	}
	fileID, ok := urlID(w, r, "fileId")
	if !ok {
		return
	}
	if err := s.files.Delete(r.Context(), caller, id, fileID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
