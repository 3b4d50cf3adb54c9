package domain

import "time"

// VerificationEvent — итог одного прогона конвейера для журнала и нотификатора.
type VerificationEvent struct {
	ID            string      `json:"id"`
	RequestID     string      `json:"request_id,omitempty"`
	SessionID     string      `json:"session_id,omitempty"`
	ProofID       string      `json:"proof_id,omitempty"`
	PolicyID      PolicyID    `json:"policy_id"`
	Mode          Mode        `json:"mode,omitempty"`
	Status        ProofStatus `json:"status"`
	FinalDecision string      `json:"final_decision,omitempty"`
	ErrorCode     ErrorCode   `json:"error_code,omitempty"`
	Flags         []string    `json:"flags_summary"`
	Breakdown     Breakdown   `json:"breakdown"`
	Timings       Timings     `json:"timings_ms"`
	Timestamp     time.Time   `json:"timestamp"`
}
