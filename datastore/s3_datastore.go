package datastore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/aclowes/ducklake/s3_helper"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/rs/zerolog"
)

type (
	S3DataStore struct {
		client *s3_helper.Client
		// prefix is prepended to every key
		prefix string
	}
)

func NewS3DataStore(cfg s3_helper.Config, prefix string) (*S3DataStore, error) {
	client, err := s3_helper.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("error in s3_helper.NewClient: %w", err)
	}
	return &S3DataStore{
		client: client,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

func (sds *S3DataStore) key(p string) string {
	return strings.TrimPrefix(path.Join(sds.prefix, p), "/")
}

func (sds *S3DataStore) WriteFile(ctx context.Context, p string, data []byte) error {
	_, err := sds.client.WriteBytesToS3(ctx, sds.key(p), bytes.NewReader(data), aws.String("application/octet-stream"))
	if err != nil {
		return fmt.Errorf("error in WriteBytesToS3: %w", err)
	}
	return nil
}

func (sds *S3DataStore) ReadFile(ctx context.Context, p string) ([]byte, error) {
	b, err := sds.client.ReadBytesFromS3(ctx, sds.key(p))
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, p)
		}
		return nil, fmt.Errorf("error in ReadBytesFromS3: %w", err)
	}
	return b, nil
}

func (sds *S3DataStore) TryRemoveFile(ctx context.Context, p string) bool {
	if err := sds.client.DeleteFromS3(ctx, sds.key(p)); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Str("path", p).Msg("could not remove file")
		return false
	}
	return true
}

func (sds *S3DataStore) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	listPrefix := sds.key(prefix)
	if listPrefix != "" && !strings.HasSuffix(listPrefix, "/") {
		listPrefix += "/"
	}
	objects, err := sds.client.ListS3(ctx, listPrefix)
	if err != nil {
		return nil, fmt.Errorf("error in ListS3: %w", err)
	}
	files := make([]FileInfo, 0, len(objects))
	for _, obj := range objects {
		rel := obj.Key
		if sds.prefix != "" {
			rel = strings.TrimPrefix(rel, sds.prefix+"/")
		}
		files = append(files, FileInfo{
			Path:         rel,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return files, nil
}

func (sds *S3DataStore) Shutdown(_ context.Context) error {
	return nil
}
