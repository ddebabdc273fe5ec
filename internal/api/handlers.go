// Package api exposes the upload coordinator over HTTP. Routes map 1:1 to
// coordinator operations; all bodies are JSON except the chunk upload, which
// is multipart.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/Gammanik/resumable-upload/internal/coordinator"
	"github.com/Gammanik/resumable-upload/internal/uperr"
)

// maxChunkFormMemory bounds how much of a multipart chunk request is held in
// memory before spilling to a temp file.
const maxChunkFormMemory = 32 << 20

// UploadHandler serves the upload routes.
type UploadHandler struct {
	Coord *coordinator.Coordinator
	Log   zerolog.Logger
}

// Register attaches the upload routes to r.
func (h *UploadHandler) Register(r *mux.Router) {
	r.HandleFunc("/upload/init", h.Init).Methods(http.MethodPost)
	r.HandleFunc("/upload/chunk", h.Chunk).Methods(http.MethodPost)
	r.HandleFunc("/upload/progress", h.Progress).Methods(http.MethodGet)
	r.HandleFunc("/upload/merge", h.Merge).Methods(http.MethodPost)
	r.HandleFunc("/upload/cancel", h.Cancel).Methods(http.MethodPost)
}

type initRequest struct {
	FileName  string `json:"fileName"`
	FileSize  int64  `json:"fileSize"`
	ChunkSize int64  `json:"chunkSize"`
	FileHash  string `json:"fileHash"`
}

type initResponse struct {
	UploadID *string `json:"uploadId"`
	FilePath string  `json:"filePath,omitempty"`
	Exists   bool    `json:"exists,omitempty"`
}

// Init starts an upload session or reports an existing archive on dedup hit.
func (h *UploadHandler) Init(w http.ResponseWriter, r *http.Request) {
	var req initRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, uperr.InvalidRequest("invalid JSON body: %v", err))
		return
	}

	res, err := h.Coord.InitUpload(req.FileName, req.FileSize, req.ChunkSize, req.FileHash)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if res.AlreadyArchived {
		writeJSON(w, http.StatusOK, initResponse{
			UploadID: nil,
			FilePath: res.ArchivePath,
			Exists:   true,
		})
		return
	}
	writeJSON(w, http.StatusOK, initResponse{UploadID: &res.SessionID})
}

// Chunk receives one multipart chunk upload. A connection dropped mid-chunk
// triggers cleanup of that chunk's partial data only.
func (h *UploadHandler) Chunk(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxChunkFormMemory); err != nil {
		h.writeError(w, uperr.InvalidRequest("invalid multipart form: %v", err))
		return
	}

	uploadID := r.FormValue("uploadId")
	if uploadID == "" {
		h.writeError(w, uperr.InvalidRequest("uploadId is required"))
		return
	}
	index, err := strconv.Atoi(r.FormValue("chunkIndex"))
	if err != nil {
		h.writeError(w, uperr.InvalidRequest("invalid chunkIndex"))
		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		h.writeError(w, uperr.InvalidRequest("missing chunk file field: %v", err))
		return
	}
	defer file.Close()

	if err := h.Coord.ReceiveChunk(uploadID, index, file); err != nil {
		if r.Context().Err() != nil {
			// Client went away mid-upload: scrub this chunk, keep siblings.
			h.Coord.AbortChunk(uploadID, index)
			h.Log.Debug().Str("upload_id", uploadID).Int("chunk_index", index).
				Msg("chunk upload aborted by client, partial data removed")
			return
		}
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type progressResponse struct {
	Progress       int   `json:"progress"`
	TotalChunks    int   `json:"totalChunks"`
	UploadedChunks []int `json:"uploadedChunks"`
	MissingChunks  []int `json:"missingChunks"`
	UploadedBytes  int64 `json:"uploadedBytes"`
}

// Progress reports upload completion for a session.
func (h *UploadHandler) Progress(w http.ResponseWriter, r *http.Request) {
	uploadID := r.URL.Query().Get("uploadId")
	if uploadID == "" {
		h.writeError(w, uperr.InvalidRequest("uploadId query parameter is required"))
		return
	}

	p, err := h.Coord.GetProgress(uploadID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, progressResponse{
		Progress:       p.Percent,
		TotalChunks:    p.TotalChunks,
		UploadedChunks: emptyIfNil(p.Uploaded),
		MissingChunks:  emptyIfNil(p.Missing),
		UploadedBytes:  p.UploadedBytes,
	})
}

type mergeRequest struct {
	UploadID string `json:"uploadId"`
	FileName string `json:"fileName"`
	FileHash string `json:"fileHash"`
}

type mergeResponse struct {
	Success  bool   `json:"success"`
	FilePath string `json:"filePath"`
}

// Merge assembles all staged chunks into the final archived file.
func (h *UploadHandler) Merge(w http.ResponseWriter, r *http.Request) {
	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, uperr.InvalidRequest("invalid JSON body: %v", err))
		return
	}

	rec, err := h.Coord.MergeUpload(r.Context(), req.UploadID, req.FileName, req.FileHash)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, mergeResponse{Success: true, FilePath: rec.Path})
}

type cancelRequest struct {
	UploadID string `json:"uploadId"`
}

// Cancel tears down a session and its staging area. Idempotent.
func (h *UploadHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, uperr.InvalidRequest("invalid JSON body: %v", err))
		return
	}

	if err := h.Coord.CancelUpload(req.UploadID); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type errorResponse struct {
	Error         string `json:"error"`
	Code          string `json:"code"`
	MissingChunks []int  `json:"missingChunks,omitempty"`
}

func (h *UploadHandler) writeError(w http.ResponseWriter, err error) {
	code := uperr.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case uperr.CodeInvalidRequest, uperr.CodeIncompleteUpload:
		status = http.StatusBadRequest
	case uperr.CodeSessionNotFound:
		status = http.StatusNotFound
	case uperr.CodeMergeInFlight:
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.Log.Error().Err(err).Msg("request failed")
	}

	writeJSON(w, status, errorResponse{
		Error:         err.Error(),
		Code:          string(code),
		MissingChunks: uperr.MissingOf(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func emptyIfNil(s []int) []int {
	if s == nil {
		return []int{}
	}
	return s
}
