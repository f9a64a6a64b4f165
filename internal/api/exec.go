package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/shsh-gateway/internal/command"
)

const (
	executeTimeout  = 60 * time.Second
	maxExecuteBytes = 64 * 1024
)

type executeRequest struct {
	Command string   `json:"command"`
	Env     []string `json:"env,omitempty"`
}

// Execute runs a one-shot command outside any session.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxExecuteBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		Error(w, http.StatusBadRequest, "command is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), executeTimeout)
	defer cancel()

	res := command.Run(ctx, req.Command, req.Env)
	h.logger.Info("One-shot command executed", "exit_code", res.ExitCode, "success", res.Success)
	JSON(w, http.StatusOK, res)
}
