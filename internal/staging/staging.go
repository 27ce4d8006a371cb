// Package staging keeps uploaded attachments on local disk for the length of
// one workflow run.
package staging

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/ticket-gateway/internal/config"
	"github.com/spec-kit/ticket-gateway/internal/domain"
	apperrors "github.com/spec-kit/ticket-gateway/pkg/util/errorutil"
)

// ErrTooLarge is returned when an upload exceeds the configured limit.
var ErrTooLarge = errors.New("attachment exceeds size limit")

// Stager writes uploads to temporary files and removes them again.
type Stager struct {
	dir      string
	maxBytes int64
	logger   *zap.Logger
}

// NewStager builds a stager rooted at cfg.Dir.
func NewStager(cfg config.StagingConfig, logger *zap.Logger) *Stager {
	dir := cfg.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stager{dir: dir, maxBytes: cfg.MaxBytes, logger: logger}
}

// Stage copies r into a new temporary file. On error nothing is left behind.
func (s *Stager) Stage(r io.Reader, fileName, contentType string) (*domain.FileHandle, error) {
	id := uuid.NewString()
	f, err := os.CreateTemp(s.dir, "attachment-"+id+"-*")
	if err != nil {
		return nil, apperrors.NewAttachmentError(fmt.Errorf("create staging file: %w", err))
	}
	handle := &domain.FileHandle{
		ID:          id,
		Path:        f.Name(),
		FileName:    cleanFileName(fileName),
		ContentType: contentType,
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}
	written, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		err = fmt.Errorf("write staging file: %w", copyErr)
	case closeErr != nil:
		err = fmt.Errorf("close staging file: %w", closeErr)
	case s.maxBytes > 0 && written > s.maxBytes:
		err = ErrTooLarge
	}
	if err != nil {
		s.Release(handle)
		return nil, apperrors.NewAttachmentError(err)
	}

	handle.Size = written
	s.logger.Debug("attachment staged",
		zap.String("attachment_id", id),
		zap.String("file_name", handle.FileName),
		zap.Int64("size", written))
	return handle, nil
}

// Release removes the staged file. It is safe to call more than once and on
// a nil handle.
func (s *Stager) Release(handle *domain.FileHandle) {
	if handle == nil || handle.Path == "" {
		return
	}
	if err := os.Remove(handle.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Error("failed to remove staged attachment",
			zap.String("attachment_id", handle.ID),
			zap.Error(err))
		return
	}
	s.logger.Debug("attachment released", zap.String("attachment_id", handle.ID))
}

// Writable checks that the staging directory accepts new files.
func (s *Stager) Writable() error {
	f, err := os.CreateTemp(s.dir, "probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func cleanFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "attachment"
	}
	return name
}
