package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// chunkSize — размер блока при потоковом хешировании.
const chunkSize = 1 << 20

// Digest считает SHA-256 файла блоками по 1 MiB, не загружая его целиком в память.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("evidence: open %s for digest: %w", path, err)
	}
	defer f.Close()

	sum, err := DigestReader(f)
	if err != nil {
		return "", fmt.Errorf("evidence: digest %s: %w", path, err)
	}
	return sum, nil
}

// DigestReader хеширует поток. Результат совпадает с DigestBytes для тех же байтов.
func DigestReader(r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, chunkSize)
	// обёртка прячет WriterTo, чтобы чтение шло строго блоками chunkSize
	if _, err := io.CopyBuffer(h, struct{ io.Reader }{r}, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DigestBytes — SHA-256 буфера в памяти, lower-case hex.
func DigestBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
