package domain

import (
	"fmt"
	"io"
)

// DecisionInconclusive проставляется, если fusion не вернул решение.
const DecisionInconclusive = "INCONCLUSIVE"

// FlagAudioIgnoredSilent: аудио пришло в SILENT-режиме и было отброшено.
const FlagAudioIgnoredSilent = "AUDIO_IGNORED_SILENT"

// Thresholds: пороги принятия/отклонения для fusion, вероятности в [0,1].
type Thresholds struct {
	AcceptFace  float64 `json:"accept_face"`
	RejectFace  float64 `json:"reject_face"`
	AcceptVoice float64 `json:"accept_voice"`
	RejectVoice float64 `json:"reject_voice"`
}

// DefaultThresholds: значения по умолчанию для формы.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AcceptFace:  0.85,
		RejectFace:  0.55,
		AcceptVoice: 0.85,
		RejectVoice: 0.55,
	}
}

// Validate проверяет, что все пороги лежат в [0,1].
func (t Thresholds) Validate() error {
	check := map[string]float64{
		"accept_face":  t.AcceptFace,
		"reject_face":  t.RejectFace,
		"accept_voice": t.AcceptVoice,
		"reject_voice": t.RejectVoice,
	}
	for _, name := range []string{"accept_face", "reject_face", "accept_voice", "reject_voice"} {
		v := check[name]
		if v < 0 || v > 1 || v != v {
			return fmt.Errorf("%w: %s must be within [0,1]", ErrInvalidField, name)
		}
	}
	return nil
}

// Breakdown: баллы всех модулей. Все ключи присутствуют всегда, null если не считался.
type Breakdown struct {
	VoiceScore     *float64 `json:"voice_score"`
	FaceScore      *float64 `json:"face_score"`
	LipsyncScore   *float64 `json:"lipsync_score"`
	ChallengeScore *float64 `json:"challenge_score"`
	VSRScore       *float64 `json:"vsr_score"`
}

// Set записывает балл модуля в соответствующее поле.
func (b *Breakdown) Set(step Step, score *float64) {
	switch step {
	case StepChallenge:
		b.ChallengeScore = score
	case StepFace:
		b.FaceScore = score
	case StepVoice:
		b.VoiceScore = score
	case StepLipsync:
		b.LipsyncScore = score
	case StepVSR:
		b.VSRScore = score
	}
}

// Timings: длительность шагов в миллисекундах.
type Timings struct {
	Total     int64 `json:"total"`
	Challenge int64 `json:"challenge"`
	Voice     int64 `json:"voice"`
	Face      int64 `json:"face"`
	Lipsync   int64 `json:"lipsync"`
	VSR       int64 `json:"vsr"`
	Fusion    int64 `json:"fusion"`
}

// Set записывает длительность шага.
func (t *Timings) Set(step Step, ms int64) {
	switch step {
	case StepChallenge:
		t.Challenge = ms
	case StepFace:
		t.Face = ms
	case StepVoice:
		t.Voice = ms
	case StepLipsync:
		t.Lipsync = ms
	case StepVSR:
		t.VSR = ms
	case StepFusion:
		t.Fusion = ms
	}
}

// ModuleResult: нормализованный ответ одного модуля.
type ModuleResult struct {
	Score    *float64 `json:"score"`
	Decision *string  `json:"decision,omitempty"`
	Flags    []string `json:"flags,omitempty"`
}

// Upload: входящий медиа-клип. Size равен заявленному размеру (из multipart), -1 если неизвестен.
type Upload struct {
	Filename    string
	ContentType string
	Size        int64
	Content     io.Reader
}

// VerificationRequest: всё, что пришло от клиента в /api/multimodal/verify.
type VerificationRequest struct {
	PolicyID          PolicyID
	EnrollmentIDFace  string
	EnrollmentIDVoice string
	ChallengeID       string
	Thresholds        Thresholds
	Video             *Upload
	Audio             *Upload
}

// VerificationResult: успешный исход конвейера.
type VerificationResult struct {
	SessionID     string
	FinalDecision string
	ProofID       string
	ProofFile     string
	ProofSHA256   string
	Breakdown     Breakdown
	Flags         []string
	Timings       Timings
}
