package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode — стабильный машиночитаемый код ошибки, уходит клиенту в error_code.
type ErrorCode string

const (
	CodeInvalidPolicy ErrorCode = "INVALID_POLICY"
	CodeMissingField  ErrorCode = "MISSING_FIELD"
	CodeInvalidField  ErrorCode = "INVALID_FIELD"
	CodeVideoTooLarge ErrorCode = "VIDEO_TOO_LARGE"
	CodeAudioTooLarge ErrorCode = "AUDIO_TOO_LARGE"
	CodePayloadTooBig ErrorCode = "PAYLOAD_TOO_LARGE"

	CodeChallengeError      ErrorCode = "CHALLENGE_ERROR"
	CodeChallengeStartError ErrorCode = "CHALLENGE_START_ERROR"
	CodeFaceError           ErrorCode = "FACE_ERROR"
	CodeVoiceError          ErrorCode = "VOICE_ERROR"
	CodeLipsyncError        ErrorCode = "LIPSYNC_ERROR"
	CodeVSRError            ErrorCode = "VSR_ERROR"
	CodeFusionError         ErrorCode = "FUSION_ERROR"

	CodeInternal ErrorCode = "INTERNAL_ERROR"
)

var (
	ErrInvalidPolicy   = errors.New("policy_id not supported")
	ErrMissingField    = errors.New("required field missing")
	ErrInvalidField    = errors.New("field value invalid")
	ErrPayloadTooLarge = errors.New("payload exceeds size limit")
)

// StepErrorCode сопоставляет шаг конвейера с кодом его ошибки.
func StepErrorCode(step Step) ErrorCode {
	switch step {
	case StepChallenge:
		return CodeChallengeError
	case StepFace:
		return CodeFaceError
	case StepVoice:
		return CodeVoiceError
	case StepLipsync:
		return CodeLipsyncError
	case StepVSR:
		return CodeVSRError
	case StepFusion:
		return CodeFusionError
	}
	return CodeInternal
}

// PipelineError — терминальное состояние FAILED(code).
// Cause хранит исходную причину для логов, клиенту она не отдаётся.
type PipelineError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int

	Flags     []string
	Breakdown Breakdown
	Timings   Timings
	SessionID string
	ProofID   string

	Cause error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Status возвращает HTTP-статус, 500 если он не был выставлен.
func (e *PipelineError) Status() int {
	if e.HTTPStatus == 0 {
		return http.StatusInternalServerError
	}
	return e.HTTPStatus
}

// NewRequestError — ошибка валидации входа (4xx), до любого I/O.
func NewRequestError(code ErrorCode, status int, msg string, cause error) *PipelineError {
	return &PipelineError{
		Code:       code,
		Message:    msg,
		HTTPStatus: status,
		Cause:      cause,
	}
}
