package tempfiles

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Create makes a temp file in the provided directory, creating the directory if needed.
func Create(dir string, pattern string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create temp dir %q: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, nil
}

// NewDeleteOnClose wraps an open file and removes it when the reader is closed.
func NewDeleteOnClose(file *os.File) io.ReadCloser {
	return &deleteOnCloseReadCloser{
		file: file,
		path: file.Name(),
	}
}

type deleteOnCloseReadCloser struct {
	file *os.File
	path string
	once sync.Once
}

func (d *deleteOnCloseReadCloser) Read(p []byte) (int, error) {
	return d.file.Read(p)
}

func (d *deleteOnCloseReadCloser) Close() error {
	var closeErr error
	var removeErr error
	d.once.Do(func() {
		closeErr = d.file.Close()
		if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
			removeErr = err
		}
	})
	if closeErr != nil {
		return closeErr
	}
	return removeErr
}

// ErrLimitExceeded is returned by Spool when the source holds more than the allowed bytes.
var ErrLimitExceeded = errors.New("size limit exceeded")

// Spooled is a rewound temp file holding a fully read upload.
type Spooled struct {
	*os.File
	Size   int64
	SHA256 string
}

// Discard closes and removes the spooled file.
func (s *Spooled) Discard() {
	_ = s.File.Close()
	_ = os.Remove(s.File.Name())
}

// Spool copies at most maxSize bytes of r into a new temp file and rewinds it.
// The file is removed again when r is larger than maxSize or the copy fails.
func Spool(dir, pattern string, r io.Reader, maxSize int64) (*Spooled, error) {
	f, err := Create(dir, pattern)
	if err != nil {
		return nil, err
	}
	sp := &Spooled{File: f}
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), io.LimitReader(r, maxSize+1))
	if err != nil {
		sp.Discard()
		return nil, fmt.Errorf("buffer upload: %w", err)
	}
	if n > maxSize {
		sp.Discard()
		return nil, ErrLimitExceeded
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		sp.Discard()
		return nil, fmt.Errorf("rewind temp file: %w", err)
	}
	sp.Size = n
	sp.SHA256 = hex.EncodeToString(hasher.Sum(nil))
	return sp, nil
}
