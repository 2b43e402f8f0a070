package handler

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dukerupert/strongbox/internal/model"
	"github.com/dukerupert/strongbox/internal/websocket"
)

type AttachmentStore interface {
	Create(ctx context.Context, mediaName, localPath, thumbnailPath string, sizeBytes int64) (*model.Attachment, error)
	All(ctx context.Context) ([]model.Attachment, error)
	GetByID(ctx context.Context, id int64) (*model.Attachment, error)
	RequestDownload(ctx context.Context, id int64) error
}

// Queue is an attachment transfer queue's status manager.
type Queue interface {
	Status(ctx context.Context) model.QueueStatus
	Suspend()
	Unsuspend()
	SetAppActive(active bool)
}

// Backlog tracks ingestion that a backup should wait for.
type Backlog interface {
	Begin() (done func())
}

type AttachmentHandler struct {
	store    AttachmentStore
	upload   Queue
	download Queue
	backlog  Backlog
	hub      *websocket.Hub
	logger   *slog.Logger
}

func NewAttachmentHandler(st AttachmentStore, upload, download Queue, backlog Backlog, hub *websocket.Hub, logger *slog.Logger) *AttachmentHandler {
	return &AttachmentHandler{
		store:    st,
		upload:   upload,
		download: download,
		backlog:  backlog,
		hub:      hub,
		logger:   logger,
	}
}

func (h *AttachmentHandler) broadcast(msg websocket.Message) {
	if h.hub != nil {
		h.hub.Broadcast(msg)
	}
}

type registerAttachmentRequest struct {
	MediaName     string `json:"media_name"`
	LocalPath     string `json:"local_path"`
	ThumbnailPath string `json:"thumbnail_path"`
}

// Register records a new local media file for backup.
func (h *AttachmentHandler) Register(w http.ResponseWriter, r *http.Request) {
	done := h.backlog.Begin()
	defer done()

	var req registerAttachmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.LocalPath == "" || !filepath.IsAbs(req.LocalPath) {
		writeError(w, http.StatusBadRequest, "local_path must be an absolute path")
		return
	}
	if req.MediaName == "" {
		req.MediaName = filepath.Base(req.LocalPath)
	}
	info, err := os.Stat(req.LocalPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "local_path is not readable")
		return
	}
	if info.IsDir() {
		writeError(w, http.StatusBadRequest, "local_path is a directory")
		return
	}

	a, err := h.store.Create(r.Context(), req.MediaName, req.LocalPath, req.ThumbnailPath, info.Size())
	if err != nil {
		h.logger.Error("create attachment", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register attachment")
		return
	}
	h.broadcast(websocket.NewMessage("attachment", "created", strconv.FormatInt(a.ID, 10), nil))
	writeJSON(w, http.StatusCreated, a)
}

func (h *AttachmentHandler) List(w http.ResponseWriter, r *http.Request) {
	all, err := h.store.All(r.Context())
	if err != nil {
		h.logger.Error("list attachments", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list attachments")
		return
	}
	if all == nil {
		all = []model.Attachment{}
	}
	writeJSON(w, http.StatusOK, all)
}

// RequestDownload queues an offloaded attachment for restore.
func (h *AttachmentHandler) RequestDownload(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}
	a, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("get attachment", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get attachment")
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "attachment not found")
		return
	}
	if !a.Offloaded {
		writeError(w, http.StatusConflict, "attachment is stored locally")
		return
	}
	if err := h.store.RequestDownload(r.Context(), id); err != nil {
		h.logger.Error("request download", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to request download")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "download_state": model.DownloadStatePending})
}

func (h *AttachmentHandler) Queues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]model.QueueStatus{
		"upload":   h.upload.Status(r.Context()),
		"download": h.download.Status(r.Context()),
	})
}

func (h *AttachmentHandler) SuspendUploads(w http.ResponseWriter, r *http.Request) {
	h.upload.Suspend()
	h.queueChanged(w, r, "suspended")
}

func (h *AttachmentHandler) ResumeUploads(w http.ResponseWriter, r *http.Request) {
	h.upload.Unsuspend()
	h.queueChanged(w, r, "resumed")
}

func (h *AttachmentHandler) queueChanged(w http.ResponseWriter, r *http.Request, action string) {
	status := h.upload.Status(r.Context())
	h.broadcast(websocket.NewMessage("upload_queue", action, "", map[string]any{
		"state":  status.State,
		"reason": status.Reason,
	}))
	writeJSON(w, http.StatusOK, status)
}

// SetAppActive records whether a foreground client is attached, which lets
// both queues run outside a scheduled backup.
func (h *AttachmentHandler) SetAppActive(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Active *bool `json:"active"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}
	h.upload.SetAppActive(*req.Active)
	h.download.SetAppActive(*req.Active)
	w.WriteHeader(http.StatusNoContent)
}
