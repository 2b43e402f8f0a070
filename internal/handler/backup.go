package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/dukerupert/strongbox/internal/backup"
	"github.com/dukerupert/strongbox/internal/model"
	"github.com/dukerupert/strongbox/internal/websocket"
)

// Runner is the single-flight backup runner.
type Runner interface {
	StartIfNecessary() bool
	CancelIfRunning()
	Running() bool
	Status() backup.Update
}

type JobState interface {
	ResumptionPoint(ctx context.Context) (model.ResumptionPoint, error)
	FailureCounts(ctx context.Context) (model.FailureCounts, error)
	ResetFailureCounts(ctx context.Context) error
}

type BackupHistory interface {
	List(limit int) ([]model.Backup, error)
	LatestCompleted() (*model.Backup, error)
	TotalSize() (int64, error)
}

type BackupHandler struct {
	runner  Runner
	jobs    JobState
	history BackupHistory
	logger  *slog.Logger
}

func NewBackupHandler(runner Runner, jobs JobState, history BackupHistory, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{runner: runner, jobs: jobs, history: history, logger: logger}
}

// Start begins a manual backup run.
func (h *BackupHandler) Start(w http.ResponseWriter, r *http.Request) {
	if !h.runner.StartIfNecessary() {
		writeError(w, http.StatusConflict, "backup already running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"started": true})
}

func (h *BackupHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	running := h.runner.Running()
	h.runner.CancelIfRunning()
	writeJSON(w, http.StatusAccepted, map[string]bool{"cancelled": running})
}

type backupStatusResponse struct {
	Running         bool                  `json:"running"`
	Status          websocket.Message     `json:"status"`
	ResumptionPoint model.ResumptionPoint `json:"resumption_point"`
	Failures        model.FailureCounts   `json:"failures"`
	Latest          *model.Backup         `json:"latest,omitempty"`
	TotalSize       string                `json:"total_size"`
}

func (h *BackupHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	point, err := h.jobs.ResumptionPoint(ctx)
	if err != nil {
		h.logger.Error("read resumption point", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get backup status")
		return
	}
	failures, err := h.jobs.FailureCounts(ctx)
	if err != nil {
		h.logger.Error("read failure counts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get backup status")
		return
	}
	latest, err := h.history.LatestCompleted()
	if err != nil {
		h.logger.Error("read latest backup", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get backup status")
		return
	}
	size, err := h.history.TotalSize()
	if err != nil {
		h.logger.Error("read backup size", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get backup status")
		return
	}

	writeJSON(w, http.StatusOK, backupStatusResponse{
		Running:         h.runner.Running(),
		Status:          websocket.FromUpdate(h.runner.Status()),
		ResumptionPoint: point,
		Failures:        failures,
		Latest:          latest,
		TotalSize:       humanize.Bytes(uint64(size)),
	})
}

// ResetFailures clears the failure counters once the user has seen them.
func (h *BackupHandler) ResetFailures(w http.ResponseWriter, r *http.Request) {
	if err := h.jobs.ResetFailureCounts(r.Context()); err != nil {
		h.logger.Error("reset failure counts", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to reset failures")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BackupHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be 1-500")
			return
		}
		limit = n
	}
	backups, err := h.history.List(limit)
	if err != nil {
		h.logger.Error("list backups", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list backups")
		return
	}
	if backups == nil {
		backups = []model.Backup{}
	}
	writeJSON(w, http.StatusOK, backups)
}
