// Package archive persists snapshots of terminal tests to
// S3-compatible storage so records survive database retention.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ethpandaops/loadtestoor/pkg/config"
	"github.com/ethpandaops/loadtestoor/pkg/store"
	"github.com/sirupsen/logrus"
)

// Archiver persists snapshots of terminal tests.
type Archiver interface {
	ArchiveTest(ctx context.Context, rec *store.TestRecord, results []store.ResultRecord) error
}

// Compile-time interface check.
var _ Archiver = (*s3Archiver)(nil)

// snapshot is the archived JSON document for one terminal test.
type snapshot struct {
	Test       *store.TestRecord    `json:"test"`
	Results    []store.ResultRecord `json:"results"`
	ArchivedAt time.Time            `json:"archived_at"`
}

// s3Archiver writes one object per terminal test.
type s3Archiver struct {
	log    logrus.FieldLogger
	cfg    *config.S3ArchiveConfig
	client *s3.Client
}

// NewS3Archiver creates an archiver and verifies bucket access with a
// preflight write.
func NewS3Archiver(
	ctx context.Context,
	log logrus.FieldLogger,
	cfg *config.S3ArchiveConfig,
) (Archiver, error) {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	a := &s3Archiver{
		log:    log.WithField("component", "archive"),
		cfg:    cfg,
		client: s3.New(s3.Options{}, opts...),
	}

	if err := a.preflight(ctx); err != nil {
		return nil, err
	}

	return a, nil
}

// preflight verifies S3 connectivity by writing a small test object.
func (a *s3Archiver) preflight(ctx context.Context) error {
	content := fmt.Sprintf(
		"loadtestoor write test: %s", time.Now().UTC().Format(time.RFC3339),
	)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(".loadtestoor-write-test"),
		Body:        strings.NewReader(content),
		ContentType: aws.String("text/plain"),
	})
	if err != nil {
		return fmt.Errorf("writing test object to s3://%s: %w", a.cfg.Bucket, err)
	}

	return nil
}

// ArchiveTest uploads the snapshot for one terminal test. The key is
// derived from the test identifier, so re-archiving after a late
// result overwrites the earlier snapshot in place.
func (a *s3Archiver) ArchiveTest(
	ctx context.Context,
	rec *store.TestRecord,
	results []store.ResultRecord,
) error {
	body, err := json.MarshalIndent(&snapshot{
		Test:       rec,
		Results:    results,
		ArchivedAt: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling snapshot: %w", err)
	}

	key := a.key(rec.TestID)

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("PutObject: %w", err)
	}

	a.log.WithFields(logrus.Fields{
		"test_id": rec.TestID,
		"bucket":  a.cfg.Bucket,
		"key":     key,
	}).Info("Archived test snapshot")

	return nil
}

// key builds the object key for a test snapshot.
func (a *s3Archiver) key(testID string) string {
	prefix := a.cfg.Prefix
	if prefix == "" {
		prefix = "tests"
	}

	return strings.TrimRight(prefix, "/") + "/" + testID + ".json"
}
