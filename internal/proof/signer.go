package proof

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Signer подписывает дайджест пруфа. Пустая подпись означает, что подпись выключена.
type Signer interface {
	Sign(claims *Claims) (string, error)
}

// Claims — то, что удостоверяет подпись: какой пруф, с каким дайджестом, для какой сессии.
type Claims struct {
	ProofID     string `json:"proof_id"`
	ProofSHA256 string `json:"proof_sha256"`
	SessionID   string `json:"session_id"`
	jwt.RegisteredClaims
}

// NopSigner — подпись отключена (ключ не сконфигурирован).
type NopSigner struct{}

func (NopSigner) Sign(*Claims) (string, error) { return "", nil }

// JWTSigner выпускает RS256 JWT поверх дайджеста пруфа.
type JWTSigner struct {
	key    *rsa.PrivateKey
	issuer string
	now    func() time.Time
}

func NewJWTSigner(key *rsa.PrivateKey, issuer string) *JWTSigner {
	return &JWTSigner{key: key, issuer: issuer, now: time.Now}
}

// NewSignerFromPEM: для пустых данных NopSigner, иначе RS256 с ключом из PEM.
func NewSignerFromPEM(pemData []byte, issuer string) (Signer, error) {
	if len(pemData) == 0 {
		return NopSigner{}, nil
	}
	key, err := ParseRSAPrivateKey(pemData)
	if err != nil {
		return nil, err
	}
	return NewJWTSigner(key, issuer), nil
}

func (s *JWTSigner) Sign(c *Claims) (string, error) {
	now := s.now()
	c.Issuer = s.issuer
	c.Subject = c.ProofID
	c.IssuedAt = jwt.NewNumericDate(now)

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	signed, err := token.SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("proof: failed to sign %s: %w", c.ProofID, err)
	}
	return signed, nil
}

// PublicKey — ключ для внешней проверки подписей.
func (s *JWTSigner) PublicKey() *rsa.PublicKey {
	return &s.key.PublicKey
}

// VerifySignature проверяет RS256-подпись и возвращает удостоверенные claims.
func VerifySignature(tokenStr string, pub *rsa.PublicKey) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return pub, nil
	})
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid proof signature: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid proof claims")
	}
	return claims, nil
}

// ParseRSAPrivateKey превращает PEM в ключ подписи.
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// ParseRSAPublicKey превращает PEM в ключ проверки.
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}
