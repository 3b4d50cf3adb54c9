package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xela07ax/veritas-orchestrator/internal/domain"
)

// FileSink пишет события в плоские JSONL-файлы: <dir>/journal-YYYYMMDD.jsonl.
// Файл выбирается по времени события (UTC), файлы только дописываются.
type FileSink struct {
	dir string
	mu  sync.Mutex
}

func NewFileSink(dir string) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("journal: create dir %s: %w", dir, err)
	}
	return &FileSink{dir: dir}, nil
}

// FileFor — путь к файлу журнала за день.
func (s *FileSink) FileFor(t time.Time) string {
	return filepath.Join(s.dir, "journal-"+t.UTC().Format("20060102")+".jsonl")
}

func (s *FileSink) WriteBatch(ctx context.Context, events []domain.VerificationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Группируем по дню, чтобы открыть каждый файл один раз
	byFile := make(map[string][]byte)
	var order []string
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("journal: marshal event %s: %w", e.ID, err)
		}
		path := s.FileFor(e.Timestamp)
		if _, ok := byFile[path]; !ok {
			order = append(order, path)
		}
		byFile[path] = append(append(byFile[path], line...), '\n')
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, path := range order {
		if err := appendFile(path, byFile[path]); err != nil {
			return err
		}
	}
	return nil
}

func appendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("journal: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("journal: sync %s: %w", path, err)
	}
	return f.Close()
}
