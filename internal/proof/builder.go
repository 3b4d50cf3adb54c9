package proof

/*
Файл builder.go собирает финальный пруф верификации.

Builder является чистым регистратором: он не меняет ни баллы, ни решения, а только
фиксирует то, что посчитал конвейер. Пруф пишется один раз (O_EXCL) под
уникальным именем, после чего от записанных байтов считается SHA-256 и
тройка дайджестов (видео, аудио, пруф) кладётся рядом с сырыми медиа.
*/

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
	"github.com/xela07ax/veritas-orchestrator/internal/evidence"
)

// IntegrityWriter — куда записывается тройка дайджестов. Реализуется evidence.Store.
type IntegrityWriter interface {
	WriteIntegrity(sess *domain.Session, rec domain.IntegrityRecord) error
}

// Record — финальное состояние конвейера, передаваемое в Builder.
type Record struct {
	Session       *domain.Session
	Status        domain.ProofStatus
	FinalDecision string
	ErrorCode     domain.ErrorCode
	Breakdown     domain.Breakdown
	Flags         []string
	Timings       domain.Timings
}

// Receipt — что получил вызывающий: где лежит пруф и чем он удостоверен.
type Receipt struct {
	ProofID   string
	Path      string
	SHA256    string
	Signature string
	Integrity domain.IntegrityRecord
}

type Builder struct {
	dir       string
	refs      domain.ModuleRefs
	signer    Signer
	integrity IntegrityWriter
	logger    *zap.Logger
	now       func() time.Time
}

func NewBuilder(dir string, refs domain.ModuleRefs, signer Signer, integrity IntegrityWriter, logger *zap.Logger) (*Builder, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("proof: create dir %s: %w", dir, err)
	}
	if signer == nil {
		signer = NopSigner{}
	}
	return &Builder{
		dir:       dir,
		refs:      refs,
		signer:    signer,
		integrity: integrity,
		logger:    logger.Named("proof-builder"),
		now:       time.Now,
	}, nil
}

// NewProofID — "PROOF-" + 16 hex-символов.
func NewProofID() string {
	return "PROOF-" + strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:16])
}

// Build собирает, записывает, хеширует и подписывает пруф.
// Любая ошибка здесь инфраструктурная, не бизнесовая.
func (b *Builder) Build(ctx context.Context, rec Record) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sess := rec.Session
	if sess == nil || sess.Video == nil {
		return nil, fmt.Errorf("proof: session without persisted video")
	}

	// 1. Дайджесты доказательств
	videoSum, err := evidence.Digest(sess.Video.Path)
	if err != nil {
		return nil, err
	}
	refs := domain.EvidenceRefs{Video: domain.EvidenceRef{Path: sess.Video.Path, SHA256: videoSum}}

	var audioSum *string
	if sess.Audio != nil {
		sum, err := evidence.Digest(sess.Audio.Path)
		if err != nil {
			return nil, err
		}
		audioSum = &sum
		refs.Audio = &domain.EvidenceRef{Path: sess.Audio.Path, SHA256: sum}
	}

	// 2. Сборка записи
	flags := rec.Flags
	if flags == nil {
		flags = []string{}
	}
	var voiceID *string
	if sess.EnrollmentIDVoice != "" {
		v := sess.EnrollmentIDVoice
		voiceID = &v
	}

	p := domain.Proof{
		ProofVersion: domain.ProofVersion,
		ProofID:      NewProofID(),
		TimeUTC:      b.now().UTC().Format(time.RFC3339),
		PolicyID:     sess.PolicyID,
		Mode:         sess.Mode,
		SessionID:    sess.ID,
		Inputs: domain.ProofInputs{
			EnrollmentIDFace:  sess.EnrollmentIDFace,
			EnrollmentIDVoice: voiceID,
			ChallengeID:       sess.ChallengeID,
		},
		Results: domain.ProofResults{
			Status:        rec.Status,
			FinalDecision: rec.FinalDecision,
			ErrorCode:     rec.ErrorCode,
			Breakdown:     rec.Breakdown,
			FlagsSummary:  flags,
		},
		EvidenceRefs: refs,
		ModuleRefs:   b.refs,
		TimingsMs:    rec.Timings,
	}

	// 3. Запись (ровно один раз)
	path := filepath.Join(b.dir, p.ProofID+".json")
	if err := writeOnce(path, p); err != nil {
		return nil, err
	}

	// 4. Дайджест считается от записанных байтов, а не от буфера в памяти
	proofSum, err := evidence.Digest(path)
	if err != nil {
		return nil, err
	}

	// 5. Подпись
	sig, err := b.signer.Sign(&Claims{ProofID: p.ProofID, ProofSHA256: proofSum, SessionID: sess.ID})
	if err != nil {
		return nil, err
	}

	// 6. Запись целостности рядом с сырыми медиа
	integrity := domain.IntegrityRecord{
		VideoSHA256:    videoSum,
		AudioSHA256:    audioSum,
		ProofSHA256:    proofSum,
		ProofSignature: sig,
	}
	if b.integrity != nil {
		if err := b.integrity.WriteIntegrity(sess, integrity); err != nil {
			return nil, fmt.Errorf("proof: write integrity record: %w", err)
		}
	}

	b.logger.Info("proof recorded",
		zap.String("proof_id", p.ProofID),
		zap.String("session_id", sess.ID),
		zap.String("status", string(rec.Status)),
		zap.String("sha256", proofSum),
		zap.Bool("signed", sig != ""))

	return &Receipt{
		ProofID:   p.ProofID,
		Path:      path,
		SHA256:    proofSum,
		Signature: sig,
		Integrity: integrity,
	}, nil
}

// Load читает пруф с диска.
func Load(path string) (*domain.Proof, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("proof: read %s: %w", path, err)
	}
	var p domain.Proof
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("proof: decode %s: %w", path, err)
	}
	return &p, nil
}

// VerifyDigest пересчитывает дайджест файла пруфа и сравнивает с ожидаемым.
func VerifyDigest(path, want string) error {
	got, err := evidence.Digest(path)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("proof: digest mismatch for %s: got %s, want %s", filepath.Base(path), got, want)
	}
	return nil
}

func writeOnce(path string, p domain.Proof) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("proof: marshal: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o440)
	if err != nil {
		return fmt.Errorf("proof: create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("proof: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("proof: sync %s: %w", path, err)
	}
	return f.Close()
}
