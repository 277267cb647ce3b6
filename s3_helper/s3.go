package s3_helper

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aclowes/ducklake/gologger"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/rs/zerolog"
)

var (
	logger = gologger.NewLogger()
)

type (
	Config struct {
		Bucket   string
		Endpoint string
		Region   string
	}

	Client struct {
		cfg     Config
		session *session.Session
		s3      *s3.S3
	}

	Object struct {
		Key          string
		Size         int64
		LastModified time.Time
	}
)

func NewClient(cfg Config) (*Client, error) {
	s3Config := &aws.Config{
		Region:      aws.String(cfg.Region),
		Credentials: credentials.NewEnvCredentials(),
	}
	if cfg.Endpoint != "" {
		s3Config.Endpoint = aws.String(cfg.Endpoint)
		s3Config.S3ForcePathStyle = aws.Bool(true)
	}

	s3Session, err := session.NewSession(s3Config)
	if err != nil {
		return nil, fmt.Errorf("error making new session: %w", err)
	}
	return &Client{
		cfg:     cfg,
		session: s3Session,
		s3:      s3.New(s3Session),
	}, nil
}

func (c *Client) WriteBytesToS3(ctx context.Context, fileName string, byteStream io.Reader, contentType *string) (*s3manager.UploadOutput, error) {
	ctx = logger.WithContext(ctx)
	logger := zerolog.Ctx(ctx)

	uploader := s3manager.NewUploader(c.session)

	input := &s3manager.UploadInput{
		Bucket:      aws.String(c.cfg.Bucket),
		Key:         aws.String(fileName),
		Body:        byteStream,
		ContentType: contentType,
	}

	s := time.Now()
	output, err := uploader.UploadWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("error uploading to s3: %w", err)
	}

	d := time.Since(s)
	logger.Debug().Str("fileName", fileName).Int64("durationNS", d.Nanoseconds()).Str("durationHuman", d.String()).Msg("uploaded file to s3")

	return output, nil
}

func (c *Client) ReadBytesFromS3(ctx context.Context, fileName string) ([]byte, error) {
	ctx = logger.WithContext(ctx)
	logger := zerolog.Ctx(ctx)

	downloader := s3manager.NewDownloader(c.session)

	buf := &aws.WriteAtBuffer{}

	s := time.Now()
	_, err := downloader.DownloadWithContext(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(fileName),
	})
	if err != nil {
		return nil, fmt.Errorf("error downloading from s3: %w", err)
	}

	d := time.Since(s)
	logger.Debug().Str("fileName", fileName).Int64("durationNS", d.Nanoseconds()).Str("durationHuman", d.String()).Msg("downloaded file from s3")

	return buf.Bytes(), nil
}

func (c *Client) DeleteFromS3(ctx context.Context, fileName string) error {
	_, err := c.s3.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(fileName),
	})
	if err != nil {
		return fmt.Errorf("error deleting from s3: %w", err)
	}
	return nil
}

// ListS3 lists every object under prefix, following continuation tokens.
func (c *Client) ListS3(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	err := c.s3.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.cfg.Bucket),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			objects = append(objects, Object{
				Key:          aws.StringValue(obj.Key),
				Size:         aws.Int64Value(obj.Size),
				LastModified: aws.TimeValue(obj.LastModified),
			})
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("error listing s3 prefix %s: %w", prefix, err)
	}
	return objects, nil
}
