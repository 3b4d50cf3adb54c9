package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
)

// errorResponse — конверт ошибки для клиента. Причина (Cause) наружу не уходит.
type errorResponse struct {
	OK           bool             `json:"ok"`
	ErrorCode    domain.ErrorCode `json:"error_code"`
	ErrorMessage string           `json:"error_message"`
	FlagsSummary []string         `json:"flags_summary"`
	Breakdown    domain.Breakdown `json:"breakdown"`
	TimingsMs    domain.Timings   `json:"timings_ms"`
	SessionID    string           `json:"session_id,omitempty"`
	ProofID      string           `json:"proof_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError превращает любую ошибку в конверт. Всё, что не PipelineError, отдаётся как 500.
func writeError(w http.ResponseWriter, err error) {
	var perr *domain.PipelineError
	if !errors.As(err, &perr) {
		perr = &domain.PipelineError{Code: domain.CodeInternal, HTTPStatus: http.StatusInternalServerError}
	}

	msg := perr.Message
	if perr.Code == domain.CodeInternal || msg == "" {
		msg = "internal error"
	}
	flags := perr.Flags
	if flags == nil {
		flags = []string{}
	}

	writeJSON(w, perr.Status(), errorResponse{
		ErrorCode:    perr.Code,
		ErrorMessage: msg,
		FlagsSummary: flags,
		Breakdown:    perr.Breakdown,
		TimingsMs:    perr.Timings,
		SessionID:    perr.SessionID,
		ProofID:      perr.ProofID,
	})
}
