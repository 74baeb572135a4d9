// Package archive ships chain exports to S3-compatible object storage so
// auditors can fetch them without database access.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"opsledger/signing"
)

// ObjectPutter is the slice of the S3 client the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO or LocalStack
	Prefix   string
}

// Archive uploads export snapshots.
type Archive struct {
	client ObjectPutter
	bucket string
	prefix string
}

// Snapshot is one export ready for upload.
type Snapshot struct {
	Body     []byte
	Entries  int
	HeadSeq  int64
	HeadHash string
	KeyID    string
}

// New builds an Archive backed by the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Archive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("archive: bucket required")
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

func NewWithClient(client ObjectPutter, bucket, prefix string) *Archive {
	return &Archive{client: client, bucket: bucket, prefix: prefix}
}

// Key names the object for a snapshot. The head hash makes the key unique
// per chain state, so re-uploading the same state is idempotent.
func (a *Archive) Key(s Snapshot) string {
	head := s.HeadHash
	if len(head) > 16 {
		head = head[:16]
	}
	return fmt.Sprintf("%schain-%08d-%s.ndjson", a.prefix, s.HeadSeq, head)
}

// Upload stores the snapshot and returns its object key.
func (a *Archive) Upload(ctx context.Context, s Snapshot) (string, error) {
	key := a.Key(s)
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(s.Body),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"entries":     strconv.Itoa(s.Entries),
			"head-seq":    strconv.FormatInt(s.HeadSeq, 10),
			"head-hash":   s.HeadHash,
			"key-id":      s.KeyID,
			"body-sha256": signing.Hash(s.Body).Hex(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive: put %s: %w", key, err)
	}
	return key, nil
}
