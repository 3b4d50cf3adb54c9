package domain

// ProofVersion: версия формата пруфа, меняется при несовместимых изменениях.
const ProofVersion = "proof_multimodal_v1"

// ProofStatus: исход, зафиксированный в пруфе.
type ProofStatus string

const (
	ProofCompleted ProofStatus = "COMPLETED"
	ProofFailed    ProofStatus = "FAILED"
)

// Proof: неизменяемая запись результата верификации. Пишется один раз.
type Proof struct {
	ProofVersion string       `json:"proof_version"`
	ProofID      string       `json:"proof_id"`
	TimeUTC      string       `json:"time_utc"`
	PolicyID     PolicyID     `json:"policy_id"`
	Mode         Mode         `json:"mode"`
	SessionID    string       `json:"session_id"`
	Inputs       ProofInputs  `json:"inputs"`
	Results      ProofResults `json:"results"`
	EvidenceRefs EvidenceRefs `json:"evidence_refs"`
	ModuleRefs   ModuleRefs   `json:"module_refs"`
	TimingsMs    Timings      `json:"timings_ms"`
}

type ProofInputs struct {
	EnrollmentIDFace  string  `json:"enrollment_id_face"`
	EnrollmentIDVoice *string `json:"enrollment_id_voice"`
	ChallengeID       string  `json:"challenge_id"`
}

type ProofResults struct {
	Status        ProofStatus `json:"status"`
	FinalDecision string      `json:"final_decision,omitempty"`
	ErrorCode     ErrorCode   `json:"error_code,omitempty"`
	Breakdown     Breakdown   `json:"breakdown"`
	FlagsSummary  []string    `json:"flags_summary"`
}

// EvidenceRef: путь и дайджест сохранённого медиа.
type EvidenceRef struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

type EvidenceRefs struct {
	Video EvidenceRef  `json:"video"`
	Audio *EvidenceRef `json:"audio"`
}

// ModuleRef: адрес модуля на момент проверки (для аудита).
type ModuleRef struct {
	BaseURL string            `json:"base_url"`
	Paths   map[string]string `json:"paths"`
}

// ModuleRefs индексируется по имени модуля.
type ModuleRefs map[string]ModuleRef
