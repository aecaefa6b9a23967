package artifacts

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrNotFound = errors.New("File not found")
var ErrInvalidName = errors.New("Invalid file name")

// Store is an abstraction of a blob store (eg GCS, or a local directory).
// Names use forward slashes, regardless of the OS.
type Store interface {
	// When finished, you must close the WriteCloser
	WriteFile(ctx context.Context, name string) (io.WriteCloser, error)

	// When finished, you must close File.Reader.
	// Returns an error that wraps ErrNotFound if the file does not exist.
	ReadFile(ctx context.Context, name string) (*File, error)

	DeleteFile(ctx context.Context, name string) error

	Exists(ctx context.Context, name string) (bool, error)

	// List returns the names of all files that start with prefix, in lexical order
	List(ctx context.Context, prefix string) ([]string, error)
}

// File is an element in blob storage.
type File struct {
	Reader     io.ReadCloser
	ModifiedAt time.Time
	Size       int64
}

func WriteFile(ctx context.Context, s Store, name string, content io.Reader) error {
	f, err := s.WriteFile(ctx, name)
	if err != nil {
		return err
	}
	_, err = io.Copy(f, content)
	errClose := f.Close()
	if err != nil {
		return err
	}
	return errClose
}

func ReadFile(ctx context.Context, s Store, name string) ([]byte, error) {
	f, err := s.ReadFile(ctx, name)
	if err != nil {
		return nil, err
	}
	defer f.Reader.Close()
	return io.ReadAll(f.Reader)
}
