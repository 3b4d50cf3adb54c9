package proof

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
)

// ErrUnsigned — ключ проверки передан, а подписи в записи целостности нет.
var ErrUnsigned = errors.New("proof: integrity record carries no signature")

// LoadIntegrity читает sha256.json сессии.
func LoadIntegrity(path string) (domain.IntegrityRecord, error) {
	var rec domain.IntegrityRecord
	data, err := os.ReadFile(path)
	if err != nil {
		return rec, fmt.Errorf("proof: read integrity %s: %w", path, err)
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("proof: decode integrity %s: %w", path, err)
	}
	return rec, nil
}

// Audit сверяет пруф на диске с записью целостности.
// Без ключа проверяется только дайджест; с ключом ещё подпись и её claims.
func Audit(path string, rec domain.IntegrityRecord, pub *rsa.PublicKey) (*domain.Proof, error) {
	if err := VerifyDigest(path, rec.ProofSHA256); err != nil {
		return nil, err
	}
	p, err := Load(path)
	if err != nil {
		return nil, err
	}
	if pub == nil {
		return p, nil
	}
	if rec.ProofSignature == "" {
		return nil, ErrUnsigned
	}

	claims, err := VerifySignature(rec.ProofSignature, pub)
	if err != nil {
		return nil, err
	}
	switch {
	case claims.ProofSHA256 != rec.ProofSHA256:
		return nil, fmt.Errorf("proof: signature covers digest %s, not %s", claims.ProofSHA256, rec.ProofSHA256)
	case claims.ProofID != p.ProofID:
		return nil, fmt.Errorf("proof: signature issued for %s, not %s", claims.ProofID, p.ProofID)
	case claims.SessionID != p.SessionID:
		return nil, fmt.Errorf("proof: signature issued for session %s, not %s", claims.SessionID, p.SessionID)
	}
	return p, nil
}
