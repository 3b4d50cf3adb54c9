package domain

// PolicyID — идентификатор политики проверки, приходит от клиента в policy_id.
type PolicyID string

const (
	PolicyStrictStandard PolicyID = "STRICT_STANDARD" // Голос + лицо + lip-sync
	PolicyStrictSilent   PolicyID = "STRICT_SILENT"   // Без аудио, вместо голоса VSR
)

// Mode определяет, участвует ли произнесённый вслух челлендж в проверке.
type Mode string

const (
	ModeSpoken Mode = "SPOKEN"
	ModeSilent Mode = "SILENT"
)

// AudioRequirement описывает, что политика ожидает от аудио-дорожки.
type AudioRequirement string

const (
	AudioRequired AudioRequirement = "REQUIRED"
	// AudioIgnored: клип принимается, но не уходит ни в один модуль
	AudioIgnored AudioRequirement = "IGNORED"
)

// Step — шаг конвейера, он же имя downstream-модуля.
type Step string

const (
	StepChallenge Step = "challenge"
	StepFace      Step = "face"
	StepVoice     Step = "voice"
	StepLipsync   Step = "lipsync"
	StepVSR       Step = "vsr"
	StepFusion    Step = "fusion"
)

// Requirements — результат разрешения политики.
type Requirements struct {
	Policy PolicyID
	Mode   Mode
	Audio  AudioRequirement
	// Steps — упорядоченный список модулей, которые обязаны быть вызваны
	Steps []Step
}

// Has проверяет, входит ли шаг в обязательный набор политики.
func (r Requirements) Has(step Step) bool {
	for _, s := range r.Steps {
		if s == step {
			return true
		}
	}
	return false
}

// AudioUsed — true, если аудио реально передаётся в модули.
func (r Requirements) AudioUsed() bool {
	return r.Audio == AudioRequired
}
