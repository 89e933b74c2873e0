// Package archive stores image bytes in an S3-compatible object store.
//
// The gateway targets Cloudflare R2 but any S3-compatible endpoint works.
// Objects are keyed "openwebui/{id}.png" regardless of actual content type;
// the authoritative content type lives in the metadata store.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/zhizinan1997/pic-gate/internal/config"
)

// ErrDisabled is returned by every operation when no archive is configured.
var ErrDisabled = errors.New("archive: not configured")

// ErrNotFound is returned when the requested object does not exist.
var ErrNotFound = errors.New("archive: object not found")

// Archive is the remote tier interface. A nil-safe disabled implementation
// is returned when the R2 credentials are absent.
type Archive interface {
	// Enabled reports whether uploads and downloads can succeed.
	Enabled() bool

	// Upload stores data under the given key with the given content type.
	Upload(ctx context.Context, key string, data []byte, contentType string) error

	// Download retrieves the object bytes for key.
	Download(ctx context.Context, key string) ([]byte, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error
}

// Key returns the canonical object key for an image id.
func Key(id string) string {
	return "openwebui/" + id + ".png"
}

// New builds the archive tier from config. When the archive is not configured
// a disabled no-op implementation is returned with a nil error.
func New(ctx context.Context, cfg config.ArchiveConfig) (Archive, error) {
	if !cfg.Enabled() {
		return disabled{}, nil
	}

	endpoint := fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("auto"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &r2Archive{client: client, bucket: cfg.Bucket}, nil
}

type r2Archive struct {
	client *s3.Client
	bucket string
}

func (a *r2Archive) Enabled() bool { return true }

func (a *r2Archive) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("archive: put %s: %w", key, err)
	}
	return nil
}

func (a *r2Archive) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("archive: get %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("archive: read %s: %w", key, err)
	}
	return data, nil
}

func (a *r2Archive) Delete(ctx context.Context, key string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("archive: delete %s: %w", key, err)
	}
	return nil
}

// disabled is the no-op archive used when R2 is not configured.
type disabled struct{}

func (disabled) Enabled() bool { return false }

func (disabled) Upload(context.Context, string, []byte, string) error {
	return ErrDisabled
}

func (disabled) Download(context.Context, string) ([]byte, error) {
	return nil, ErrDisabled
}

func (disabled) Delete(context.Context, string) error {
	return ErrDisabled
}
