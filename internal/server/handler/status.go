package handler

import (
	"net/http"

	"github.com/alanyoungcy/polymirror/internal/service"
)

// StatusSource reports the running pipeline.
type StatusSource interface {
	Status() service.Status
}

// StatusHandler serves GET /api/status.
type StatusHandler struct {
	src StatusSource
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(src StatusSource) *StatusHandler {
	return &StatusHandler{src: src}
}

// GetStatus returns monitor states, balance age, channel depth and executor
// counters.
func (h *StatusHandler) GetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.src.Status())
}
