package evidence

/*
Файл store.go реализует хранилище сессий и доказательств (Evidence Store).

Раскладка на диске:
  <sessions_dir>/<SES-...>/raw/clip_video.<ext>
  <sessions_dir>/<SES-...>/raw/clip_audio.<ext>
  <sessions_dir>/<SES-...>/raw/metadata.json
  <sessions_dir>/<SES-...>/raw/sha256.json

Каждая сессия владеет своим каталогом, поэтому межсессионные блокировки не нужны.
Служебные записи пишутся атомарно (temp + rename), медиа пишутся ровно один раз.
*/

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
)

const (
	metadataFile  = "metadata.json"
	integrityFile = "sha256.json"
	maxExtLen     = 10
)

// Limits — потолки размера по типу артефакта, в байтах.
type Limits struct {
	MaxVideoBytes int64
	MaxAudioBytes int64
}

// SessionSpec — всё, что нужно знать о сессии в момент создания.
type SessionSpec struct {
	PolicyID          domain.PolicyID
	Mode              domain.Mode
	ChallengeID       string
	EnrollmentIDFace  string
	EnrollmentIDVoice string
}

type Store struct {
	root   string
	limits Limits
	logger *zap.Logger
	now    func() time.Time
}

func NewStore(root string, limits Limits, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("evidence: create root %s: %w", root, err)
	}
	return &Store{
		root:   root,
		limits: limits,
		logger: logger.With(zap.String("mod", "evidence")),
		now:    time.Now,
	}, nil
}

// NewSessionID — "SES-" + 16 hex-символов из UUIDv4 (crypto/rand внутри uuid).
func NewSessionID() string {
	return "SES-" + shortID()
}

func shortID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:16])
}

// CreateSession выделяет новый идентификатор и отдельный каталог под доказательства.
func (s *Store) CreateSession(ctx context.Context, spec SessionSpec) (*domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := NewSessionID()
	dir := filepath.Join(s.root, id, "raw")

	// Каталог сессии не должен существовать: идентификаторы не переиспользуются
	if err := os.Mkdir(filepath.Join(s.root, id), 0o750); err != nil {
		return nil, fmt.Errorf("evidence: allocate session %s: %w", id, err)
	}
	if err := os.Mkdir(dir, 0o750); err != nil {
		return nil, fmt.Errorf("evidence: create raw dir for %s: %w", id, err)
	}

	sess := &domain.Session{
		ID:                id,
		CreatedAt:         s.now().UTC(),
		PolicyID:          spec.PolicyID,
		Mode:              spec.Mode,
		ChallengeID:       spec.ChallengeID,
		EnrollmentIDFace:  spec.EnrollmentIDFace,
		EnrollmentIDVoice: spec.EnrollmentIDVoice,
		Dir:               dir,
	}
	s.logger.Debug("session created", zap.String("session_id", id))
	return sess, nil
}

// Limit возвращает потолок для типа артефакта.
func (s *Store) Limit(kind domain.ArtifactKind) int64 {
	if kind == domain.ArtifactAudio {
		return s.limits.MaxAudioBytes
	}
	return s.limits.MaxVideoBytes
}

// CheckSize проверяет заявленный размер без I/O. Отрицательный размер означает, что он неизвестен; пропускаем.
func (s *Store) CheckSize(kind domain.ArtifactKind, size int64) error {
	if limit := s.Limit(kind); size > limit {
		return fmt.Errorf("%w: %s is %d bytes, limit %d", domain.ErrPayloadTooLarge, kind, size, limit)
	}
	return nil
}

// Persist пишет байты как есть в raw/clip_<kind><ext>.
// Превышение потолка обнаруживается и по заявленному размеру, и при копировании;
// частично записанный файл в этом случае удаляется.
func (s *Store) Persist(sess *domain.Session, kind domain.ArtifactKind, up *domain.Upload) (*domain.Artifact, error) {
	if up == nil || up.Content == nil {
		return nil, fmt.Errorf("evidence: empty %s upload", kind)
	}
	if err := s.CheckSize(kind, up.Size); err != nil {
		return nil, err
	}

	name := "clip_" + string(kind) + sanitizeExt(up.Filename)
	path := filepath.Join(sess.Dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("evidence: create %s: %w", path, err)
	}

	limit := s.Limit(kind)
	n, copyErr := io.Copy(f, io.LimitReader(up.Content, limit+1))
	closeErr := f.Close()

	if copyErr == nil && n > limit {
		copyErr = fmt.Errorf("%w: %s exceeds %d bytes", domain.ErrPayloadTooLarge, kind, limit)
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn("failed to remove partial artifact", zap.String("path", path), zap.Error(rmErr))
		}
		if errors.Is(copyErr, domain.ErrPayloadTooLarge) {
			return nil, copyErr
		}
		return nil, fmt.Errorf("evidence: write %s: %w", path, copyErr)
	}

	contentType := up.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	art := &domain.Artifact{
		Kind:        kind,
		Path:        path,
		Filename:    name,
		ContentType: contentType,
		Size:        n,
	}
	switch kind {
	case domain.ArtifactVideo:
		sess.Video = art
	case domain.ArtifactAudio:
		sess.Audio = art
	}
	return art, nil
}

// WriteMetadata пишет metadata.json для последующего аудита.
func (s *Store) WriteMetadata(sess *domain.Session) error {
	var voice *string
	if sess.EnrollmentIDVoice != "" {
		v := sess.EnrollmentIDVoice
		voice = &v
	}
	files := map[string]*string{"clip_video": nil, "clip_audio": nil}
	if sess.Video != nil {
		files["clip_video"] = &sess.Video.Filename
	}
	if sess.Audio != nil {
		files["clip_audio"] = &sess.Audio.Filename
	}

	meta := domain.SessionMetadata{
		SessionID:         sess.ID,
		TimeUTC:           sess.CreatedAt.Format(time.RFC3339),
		PolicyID:          sess.PolicyID,
		Mode:              sess.Mode,
		ChallengeID:       sess.ChallengeID,
		EnrollmentIDFace:  sess.EnrollmentIDFace,
		EnrollmentIDVoice: voice,
		InputFiles:        files,
	}
	return writeJSONAtomic(filepath.Join(sess.Dir, metadataFile), meta)
}

// WriteIntegrity фиксирует дайджесты медиа и пруфа рядом с сырыми данными.
// Единственная мутация сессии после её создания.
func (s *Store) WriteIntegrity(sess *domain.Session, rec domain.IntegrityRecord) error {
	return writeJSONAtomic(filepath.Join(sess.Dir, integrityFile), rec)
}

// IntegrityPath — путь к sha256.json сессии.
func IntegrityPath(sess *domain.Session) string {
	return filepath.Join(sess.Dir, integrityFile)
}

// MetadataPath — путь к metadata.json сессии.
func MetadataPath(sess *domain.Session) string {
	return filepath.Join(sess.Dir, metadataFile)
}

// sanitizeExt оставляет только безопасное расширение, иначе ".bin".
func sanitizeExt(filename string) string {
	ext := filepath.Ext(filepath.Base(filename))
	if len(ext) < 2 || len(ext) > maxExtLen {
		return ".bin"
	}
	for _, r := range ext[1:] {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return ".bin"
		}
	}
	return strings.ToLower(ext)
}

// writeJSONAtomic: temp-файл в том же каталоге, fsync, rename.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("evidence: marshal %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("evidence: temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // после rename файла уже нет, ошибка игнорируется

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("evidence: write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("evidence: sync %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("evidence: close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("evidence: rename %s: %w", path, err)
	}
	return nil
}
