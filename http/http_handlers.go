package http

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/julienschmidt/httprouter"
)

func (h *HTTP) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *HTTP) handleStatus(w http.ResponseWriter, _ *http.Request, _ httprouter.Params, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	err := json.NewEncoder(w).Encode(h.status.Status())
	if err != nil {
		logger.Error("deploy.http.handleStatus: Error encoding status", "error", err)
	}
}
