// Package archive keeps a copy of every raw batch fetched from a source so
// a pass can be replayed or audited later.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/synaptica-ai/worklist/pkg/common/models"
)

type Archiver interface {
	Archive(ctx context.Context, source string, window models.SyncWindow, records []models.RawRecord) error
}

type NopArchiver struct{}

func (NopArchiver) Archive(context.Context, string, models.SyncWindow, []models.RawRecord) error {
	return nil
}

// ObjectPutter is the subset of the S3 client used here.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	now    func() time.Time
}

// NewS3Archiver loads the default AWS configuration chain (environment,
// shared config, instance role).
func NewS3Archiver(ctx context.Context, bucket, prefix string) (*S3Archiver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.New(s3.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
		UsePathStyle: true,
	})
	return NewS3ArchiverWithClient(client, bucket, prefix), nil
}

func NewS3ArchiverWithClient(client ObjectPutter, bucket, prefix string) *S3Archiver {
	return &S3Archiver{
		client: client,
		bucket: bucket,
		prefix: prefix,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type batch struct {
	Source    string             `json:"source"`
	Window    models.SyncWindow  `json:"window"`
	FetchedAt time.Time          `json:"fetched_at"`
	Count     int                `json:"count"`
	Records   []models.RawRecord `json:"records"`
}

func (a *S3Archiver) Archive(ctx context.Context, source string, window models.SyncWindow, records []models.RawRecord) error {
	now := a.now()
	body, err := json.Marshal(batch{
		Source:    source,
		Window:    window,
		FetchedAt: now,
		Count:     len(records),
		Records:   records,
	})
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	key := a.Key(source, now)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		ACL:         types.ObjectCannedACLPrivate,
		Metadata:    map[string]string{"source": source},
	})
	if err != nil {
		return fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}

// Key lays batches out by source and UTC day.
func (a *S3Archiver) Key(source string, at time.Time) string {
	at = at.UTC()
	name := fmt.Sprintf("%s-%s.json", at.Format("150405"), uuid.NewString()[:8])
	return path.Join(a.prefix, source, at.Format("2006/01/02"), name)
}
