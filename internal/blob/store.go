// Package blob writes raw messages and attachments to local disk or S3.
package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vipul43/mailvault-worker/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Store lays out blobs by account and hashed message id
type Store struct {
	backend uploader
}

// New picks S3 when a bucket is configured, local disk otherwise
func New(ctx context.Context, cfg *config.Config) (*Store, error) {
	if cfg.BlobS3Bucket == "" {
		return NewLocal(cfg.BlobDir), nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{backend: &s3Uploader{client: client, bucket: cfg.BlobS3Bucket}}, nil
}

func NewLocal(baseDir string) *Store {
	return &Store{backend: &localUploader{baseDir: baseDir}}
}

// StoreMessage writes the raw RFC 5322 bytes and returns their location
func (s *Store) StoreMessage(ctx context.Context, accountID, messageID string, raw []byte) (string, error) {
	hash := hashID(messageID)
	key := path.Join(sanitizeSegment(accountID), "messages", hash[:2], hash+".eml")
	return s.backend.Upload(ctx, key, raw, "message/rfc822")
}

func (s *Store) StoreAttachment(ctx context.Context, accountID, messageID, filename string, data []byte) (string, error) {
	name := sanitizeSegment(filename)
	if name == "" {
		name = "attachment"
	}
	key := path.Join(sanitizeSegment(accountID), "attachments", hashID(messageID), name)
	return s.backend.Upload(ctx, key, data, "application/octet-stream")
}

func hashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// sanitizeSegment keeps a value from escaping its directory
func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.TrimSpace(s)
	if s == "." || s == ".." {
		return "_"
	}
	return s
}

func newS3Client(ctx context.Context, cfg *config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.BlobS3Region),
	}
	if cfg.BlobS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.BlobS3Endpoint,
					HostnameImmutable: cfg.BlobS3PathStyle,
					SigningRegion:     cfg.BlobS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.BlobS3PathStyle
	}), nil
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	p := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
