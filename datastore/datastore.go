package datastore

import (
	"context"
	"errors"
	"time"

	"github.com/aclowes/ducklake/gologger"
)

var (
	logger = gologger.NewLogger()

	ErrFileNotFound = errors.New("file not found")
)

type (
	// FileInfo is a file in storage, Path relative to the store root.
	FileInfo struct {
		Path         string
		Size         int64
		LastModified time.Time
	}

	// DataStore holds data and delete files. Paths are slash separated and
	// relative to the store root.
	DataStore interface {
		WriteFile(ctx context.Context, path string, data []byte) error
		ReadFile(ctx context.Context, path string) ([]byte, error)
		// TryRemoveFile removes a file if it can, reporting whether it did.
		// Failures are logged, never returned.
		TryRemoveFile(ctx context.Context, path string) bool
		// List walks every file under prefix
		List(ctx context.Context, prefix string) ([]FileInfo, error)

		Shutdown(ctx context.Context) error
	}
)
