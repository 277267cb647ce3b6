package datastore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aclowes/ducklake/utils"
	"github.com/rs/zerolog"
)

type (
	DiskDataStore struct {
		rootPath string
	}
)

func NewDiskDataStore(rootPath string) (*DiskDataStore, error) {
	if err := os.MkdirAll(rootPath, 0755); err != nil {
		return nil, fmt.Errorf("error in os.MkdirAll: %w", err)
	}
	dds := &DiskDataStore{
		rootPath: rootPath,
	}

	return dds, nil
}

func (dds *DiskDataStore) fullPath(p string) string {
	return filepath.Join(dds.rootPath, filepath.FromSlash(path.Clean("/"+p)))
}

func (dds *DiskDataStore) WriteFile(_ context.Context, p string, data []byte) error {
	full := dds.fullPath(p)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("error in os.MkdirAll: %w", err)
	}
	// Write then rename so readers never see a partial file
	tmp := full + ".tmp-" + utils.GenRandomShortID()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("error in os.WriteFile: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("error in os.Rename: %w", err)
	}
	return nil
}

func (dds *DiskDataStore) ReadFile(_ context.Context, p string) ([]byte, error) {
	b, err := os.ReadFile(dds.fullPath(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, p)
	}
	if err != nil {
		return nil, fmt.Errorf("error in os.ReadFile: %w", err)
	}
	return b, nil
}

func (dds *DiskDataStore) TryRemoveFile(ctx context.Context, p string) bool {
	err := os.Remove(dds.fullPath(p))
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("path", p).Msg("could not remove file")
		return false
	}
	return true
}

func (dds *DiskDataStore) List(_ context.Context, prefix string) ([]FileInfo, error) {
	var files []FileInfo
	root := dds.fullPath(prefix)
	err := filepath.WalkDir(root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.Contains(d.Name(), ".tmp-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dds.rootPath, full)
		if err != nil {
			return err
		}
		files = append(files, FileInfo{
			Path:         filepath.ToSlash(rel),
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error in filepath.WalkDir: %w", err)
	}
	return files, nil
}

func (dds *DiskDataStore) Shutdown(_ context.Context) error {
	return nil
}
