package handler

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
	"github.com/xela07ax/veritas-orchestrator/internal/policy"
)

// multipartMemory — сколько формы держать в памяти, остальное уходит во временные файлы.
const multipartMemory = 8 << 20

// Verifier Описываем, что нам нужно от конвейера
type Verifier interface {
	Verify(ctx context.Context, req *domain.VerificationRequest) (*domain.VerificationResult, error)
}

type VerifyHandler struct {
	verifier Verifier
	maxBody  int64
	logger   *zap.Logger
}

// NewVerifyHandler: maxBody задаёт потолок всего тела запроса (видео + аудио + поля).
func NewVerifyHandler(v Verifier, maxBody int64, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{verifier: v, maxBody: maxBody, logger: logger.Named("verify-handler")}
}

type verifyResponse struct {
	OK            bool             `json:"ok"`
	SessionID     string           `json:"session_id"`
	FinalDecision string           `json:"final_decision"`
	ProofID       string           `json:"proof_id"`
	ProofFile     string           `json:"proof_file"`
	ProofSHA256   string           `json:"proof_sha256"`
	Breakdown     domain.Breakdown `json:"breakdown"`
	FlagsSummary  []string         `json:"flags_summary"`
	TimingsMs     domain.Timings   `json:"timings_ms"`
}

// Verify обслуживает POST /api/multimodal/verify.
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	if h.maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, domain.NewRequestError(domain.CodePayloadTooBig, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", h.maxBody), err))
			return
		}
		writeError(w, domain.NewRequestError(domain.CodeInvalidField, http.StatusBadRequest,
			"multipart/form-data body expected", err))
		return
	}
	defer func() {
		if err := r.MultipartForm.RemoveAll(); err != nil {
			h.logger.Warn("failed to remove multipart temp files", zap.Error(err))
		}
	}()

	req, closeFiles, perr := parseVerifyForm(r.MultipartForm)
	defer closeFiles()
	if perr != nil {
		writeError(w, perr)
		return
	}

	res, err := h.verifier.Verify(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{
		OK:            true,
		SessionID:     res.SessionID,
		FinalDecision: res.FinalDecision,
		ProofID:       res.ProofID,
		ProofFile:     res.ProofFile,
		ProofSHA256:   res.ProofSHA256,
		Breakdown:     res.Breakdown,
		FlagsSummary:  res.Flags,
		TimingsMs:     res.Timings,
	})
}

// parseVerifyForm собирает запрос из формы. Обязательность полей решает конвейер,
// здесь проверяется только синтаксис порогов. При неизвестной политике пороги не разбираются:
// первым должен прозвучать INVALID_POLICY от конвейера.
func parseVerifyForm(form *multipart.Form) (*domain.VerificationRequest, func(), *domain.PipelineError) {
	var opened []multipart.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}

	value := func(name string) string {
		if vs := form.Value[name]; len(vs) > 0 {
			return strings.TrimSpace(vs[0])
		}
		return ""
	}

	req := &domain.VerificationRequest{
		PolicyID:          domain.PolicyID(value("policy_id")),
		EnrollmentIDFace:  value("enrollment_id_face"),
		EnrollmentIDVoice: value("enrollment_id_voice"),
		ChallengeID:       value("challenge_id"),
		Thresholds:        domain.DefaultThresholds(),
	}

	_, policyErr := policy.StaticResolver{}.Resolve(req.PolicyID)
	for name, dst := range map[string]*float64{
		"accept_face":  &req.Thresholds.AcceptFace,
		"reject_face":  &req.Thresholds.RejectFace,
		"accept_voice": &req.Thresholds.AcceptVoice,
		"reject_voice": &req.Thresholds.RejectVoice,
	} {
		raw := value(name)
		if raw == "" || policyErr != nil {
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, closeAll, domain.NewRequestError(domain.CodeInvalidField, http.StatusBadRequest,
				fmt.Sprintf("%s must be a number", name), fmt.Errorf("%w: %v", domain.ErrInvalidField, err))
		}
		*dst = v
	}

	for name, dst := range map[string]**domain.Upload{
		"clip_video": &req.Video,
		"clip_audio": &req.Audio,
	} {
		headers := form.File[name]
		if len(headers) == 0 {
			continue
		}
		fh := headers[0]
		f, err := fh.Open()
		if err != nil {
			return nil, closeAll, &domain.PipelineError{
				Code: domain.CodeInternal, Message: "failed to read upload",
				HTTPStatus: http.StatusInternalServerError, Cause: err,
			}
		}
		opened = append(opened, f)
		*dst = &domain.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Content:     f,
		}
	}

	return req, closeAll, nil
}
