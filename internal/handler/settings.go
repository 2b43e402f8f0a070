package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/strongbox/internal/store"
	"github.com/dukerupert/strongbox/internal/websocket"
)

type SettingsHandler struct {
	settingsStore *store.SettingsStore
	hub           *websocket.Hub
	logger        *slog.Logger
}

func NewSettingsHandler(ss *store.SettingsStore, hub *websocket.Hub, logger *slog.Logger) *SettingsHandler {
	return &SettingsHandler{settingsStore: ss, hub: hub, logger: logger}
}

func (h *SettingsHandler) broadcast(msg websocket.Message) {
	if h.hub != nil {
		h.hub.Broadcast(msg)
	}
}

func (h *SettingsHandler) GetBackup(w http.ResponseWriter, r *http.Request) {
	settings, err := h.settingsStore.GetBackupSettings()
	if err != nil {
		h.logger.Error("get backup settings", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (h *SettingsHandler) UpdateBackup(w http.ResponseWriter, r *http.Request) {
	var req map[string]string
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := validateBackupSettings(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	for key, value := range req {
		if err := h.settingsStore.Set(key, value); err != nil {
			h.logger.Error("save setting", "key", key, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to save settings")
			return
		}
	}

	h.broadcast(websocket.NewMessage("settings", "updated", "", nil))

	settings, err := h.settingsStore.GetBackupSettings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get settings")
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func validateBackupSettings(settings map[string]string) error {
	for key, value := range settings {
		switch key {
		case store.KeyBackupEnabled,
			store.KeyBackupCellularAllowed,
			store.KeyMediaTierCapacityConsumed,
			store.KeyOptimizeLocalStorage,
			store.KeyLowPowerMode:
			if value != "true" && value != "false" {
				return fmt.Errorf("%s must be \"true\" or \"false\"", key)
			}
		case store.KeyBackupScheduleHour:
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 || n > 23 {
				return fmt.Errorf("%s must be 0-23", key)
			}
		default:
			return fmt.Errorf("unknown setting: %s", key)
		}
	}
	return nil
}
