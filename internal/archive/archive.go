// Package archive exports a snapshot of the atom store to durable object
// storage. Only the interface is specified (spec §1): this package proves
// out the S3 wiring and a concrete adapter without inventing a restore path
// or a versioned backup wire format, both explicitly out of scope.
//
// Grounded on the teacher's pkg/storage/postgres/s3.go for AWS SDK v2
// client construction (static-credentials-or-default-chain, optional
// path-style/custom-endpoint for MinIO-compatible targets) and its
// content-addressed PutObjectWithHash convention.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/platinummonkey/datafold/internal/atom"
)

// Snapshotter is the slice of internal/atom's Store this package needs:
// everything persisted, in the store's own row shape.
type Snapshotter interface {
	Snapshot(ctx context.Context) ([]atom.SnapshotRow, error)
}

// ArchiveExporter pushes a full snapshot of the atom store to durable
// storage and reports back where it landed.
type ArchiveExporter interface {
	Export(ctx context.Context) (location string, err error)
}

// Config mirrors the teacher's storage.Config S3 knobs, narrowed to what
// an exporter needs.
type Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	AccessKey    string
	SecretKey    string
}

// S3Exporter snapshots an atom store and uploads it as one newline-
// delimited-JSON object per export, content-addressed by its own sha256.
type S3Exporter struct {
	client     *s3.Client
	bucket     string
	snapshotOf Snapshotter
}

// NewS3Exporter builds an exporter over store, configuring the AWS SDK the
// same way the teacher's S3Client does: static credentials when both are
// given, the default credential chain otherwise.
func NewS3Exporter(ctx context.Context, cfg Config, store Snapshotter) (*S3Exporter, error) {
	var awsCfg aws.Config
	var err error

	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey, cfg.SecretKey, "",
			)),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("archive: loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.UsePathStyle {
			o.UsePathStyle = true
		}
	})

	return &S3Exporter{client: client, bucket: cfg.Bucket, snapshotOf: store}, nil
}

// Export serializes every atom and atom ref as newline-delimited JSON and
// uploads it under snapshots/sha256/<hash>, deduplicating identical
// snapshots the same way the teacher's PutObjectWithHash does for proto
// artifacts.
func (e *S3Exporter) Export(ctx context.Context) (string, error) {
	rows, err := e.snapshotOf.Snapshot(ctx)
	if err != nil {
		return "", fmt.Errorf("archive: reading snapshot: %w", err)
	}

	buf, err := encodeSnapshot(rows)
	if err != nil {
		return "", fmt.Errorf("archive: encoding snapshot: %w", err)
	}
	hash := snapshotHash(buf)
	key := snapshotKey(hash)

	exists, err := e.objectExists(ctx, key)
	if err != nil {
		return "", err
	}
	if exists {
		return key, nil
	}

	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"checksum-sha256": hash,
			"row-count":       fmt.Sprintf("%d", len(rows)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("archive: uploading snapshot: %w", err)
	}

	return key, nil
}

// encodeSnapshot renders rows as newline-delimited JSON, one object per
// row, in the order Snapshot returned them.
func encodeSnapshot(rows []atom.SnapshotRow) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// snapshotHash is the hex sha256 of an encoded snapshot.
func snapshotHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// snapshotKey derives the content-addressed object key for a snapshot
// hash, mirroring the teacher's proto-files/sha256/<aa>/<rest> layout.
func snapshotKey(hash string) string {
	return fmt.Sprintf("snapshots/sha256/%s/%s", hash[:2], hash[2:])
}

func (e *S3Exporter) objectExists(ctx context.Context, key string) (bool, error) {
	_, err := e.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return false, nil
		}
		return false, fmt.Errorf("archive: checking object existence: %w", err)
	}
	return true, nil
}

func isNotFoundError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "NotFound") || strings.Contains(msg, "NoSuchKey") || strings.Contains(msg, "404")
}

var _ ArchiveExporter = (*S3Exporter)(nil)
