package domain

import "time"

// ArtifactKind: тип медиа-артефакта сессии.
type ArtifactKind string

const (
	ArtifactVideo ArtifactKind = "video"
	ArtifactAudio ArtifactKind = "audio"
)

// Session: одна попытка верификации. После создания меняется только запись целостности.
type Session struct {
	ID                string    `json:"session_id"`
	CreatedAt         time.Time `json:"time_utc"`
	PolicyID          PolicyID  `json:"policy_id"`
	Mode              Mode      `json:"mode"`
	ChallengeID       string    `json:"challenge_id"`
	EnrollmentIDFace  string    `json:"enrollment_id_face"`
	EnrollmentIDVoice string    `json:"enrollment_id_voice,omitempty"`
	// Dir: каталог raw/ с медиа и служебными записями
	Dir string `json:"-"`

	Video *Artifact `json:"-"`
	Audio *Artifact `json:"-"`
}

// Artifact: сохранённый на диск медиа-клип.
type Artifact struct {
	Kind        ArtifactKind
	Path        string
	Filename    string
	ContentType string
	Size        int64
}

// SessionMetadata: запись metadata.json рядом с сырыми медиа.
type SessionMetadata struct {
	SessionID         string             `json:"session_id"`
	TimeUTC           string             `json:"time_utc"`
	PolicyID          PolicyID           `json:"policy_id"`
	Mode              Mode               `json:"mode"`
	ChallengeID       string             `json:"challenge_id"`
	EnrollmentIDFace  string             `json:"enrollment_id_face"`
	EnrollmentIDVoice *string            `json:"enrollment_id_voice"`
	InputFiles        map[string]*string `json:"input_files"`
}

// IntegrityRecord: тройка дайджестов (sha256.json), плюс подпись пруфа если включена.
type IntegrityRecord struct {
	VideoSHA256    string  `json:"clip_video_sha256"`
	AudioSHA256    *string `json:"clip_audio_sha256"`
	ProofSHA256    string  `json:"proof_sha256"`
	ProofSignature string  `json:"proof_signature,omitempty"`
}
