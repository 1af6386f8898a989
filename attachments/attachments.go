package attachments

import (
	"bufio"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"studiorelay/apperr"
	"studiorelay/logger"
	"studiorelay/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	ErrTooLarge    = apperr.Validation("attachment exceeds the upload limit")
	ErrEmptyFile   = apperr.Validation("attachment is empty")
	ErrInvalidName = apperr.Validation("invalid attachment name")
)

// Store keeps uploaded files on local disk and hands out references that
// messages can carry.
type Store struct {
	dir       string
	urlPrefix string
	maxBytes  int64
}

func New(dir, urlPrefix string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "attachments.New")
	}
	return &Store{dir: dir, urlPrefix: strings.TrimSuffix(urlPrefix, "/"), maxBytes: maxBytes}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// MaxBytes is the largest accepted attachment.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}

// Save writes r under a fresh name. The media type is sniffed from the
// content when the caller does not provide one.
func (s *Store) Save(name, mediaType string, r io.Reader) (models.Attachment, error) {
	br := bufio.NewReaderSize(r, 512)
	head, err := br.Peek(512)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return models.Attachment{}, errors.Wrap(err, "attachments.Save.peek")
	}
	if len(head) == 0 {
		return models.Attachment{}, ErrEmptyFile
	}
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(head)
	}

	stored := uuid.NewString() + strings.ToLower(filepath.Ext(filepath.Base(name)))
	full := filepath.Join(s.dir, stored)

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return models.Attachment{}, errors.Wrap(err, "attachments.Save.create")
	}

	// one byte past the limit tells us the upload was too large
	written, err := io.Copy(f, io.LimitReader(br, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(full)
		return models.Attachment{}, errors.Wrap(err, "attachments.Save.write")
	}
	if written > s.maxBytes {
		os.Remove(full)
		return models.Attachment{}, ErrTooLarge
	}

	logger.Log.Infof("Stored attachment %s as %s (%d bytes, %s)", name, stored, written, mediaType)

	return models.Attachment{
		Name:      filepath.Base(name),
		Path:      path.Join(s.urlPrefix, stored),
		MediaType: mediaType,
		Size:      written,
	}, nil
}

// Path resolves a stored file name to its location on disk. Names that would
// escape the upload directory are rejected.
func (s *Store) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", ErrInvalidName
	}
	full := filepath.Join(s.dir, name)
	if _, err := os.Stat(full); err != nil {
		if os.IsNotExist(err) {
			return "", apperr.NotFound("attachment not found")
		}
		return "", errors.Wrap(err, "attachments.Path")
	}
	return full, nil
}
