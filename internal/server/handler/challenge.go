package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
)

const maxChallengeBody = 64 << 10

// ChallengeStarter — выдача нового челленджа.
type ChallengeStarter interface {
	StartChallenge(ctx context.Context, payload map[string]any) (map[string]any, error)
}

type ChallengeHandler struct {
	starter ChallengeStarter
}

func NewChallengeHandler(s ChallengeStarter) *ChallengeHandler {
	return &ChallengeHandler{starter: s}
}

// Start обслуживает POST /api/challenge/start: тело уходит в challenge-движок как есть.
func (h *ChallengeHandler) Start(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChallengeBody))
	if err := dec.Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, domain.NewRequestError(domain.CodeInvalidField, http.StatusBadRequest,
			"JSON object body expected", err))
		return
	}

	res, err := h.starter.StartChallenge(r.Context(), payload)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
