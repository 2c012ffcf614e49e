// Package archive exports terminally failed events and jobs to S3 so they
// survive row pruning and remain available for operator follow-up.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/pilar-systems/autopilot/internal/models"
)

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Exporter writes one JSON object per terminal failure. Export errors are
// logged and swallowed: the row's failed status is the source of truth, the
// archive is a convenience copy.
type Exporter struct {
	client objectPutter
	bucket string
	prefix string
	logger *zap.Logger
}

// NewExporter builds an Exporter against a live S3 client.
func NewExporter(ctx context.Context, bucket, prefix string, logger *zap.Logger) (*Exporter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newExporter(s3.NewFromConfig(awsCfg), bucket, prefix, logger), nil
}

func newExporter(client objectPutter, bucket, prefix string, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		client: client,
		bucket: bucket,
		prefix: strings.TrimSuffix(prefix, "/"),
		logger: logger,
	}
}

// RecordEventFailure implements eventbus.FailureSink.
func (e *Exporter) RecordEventFailure(ctx context.Context, evt models.Event) {
	e.put(ctx, e.key("events", evt.WorkspaceID, evt.ID), evt)
}

// RecordJobFailure implements jobqueue.FailureSink.
func (e *Exporter) RecordJobFailure(ctx context.Context, job models.Job) {
	e.put(ctx, e.key("jobs", job.WorkspaceID, job.ID), job)
}

func (e *Exporter) key(kind, workspaceID, id string) string {
	day := time.Now().UTC().Format("2006-01-02")
	return fmt.Sprintf("%s/%s/%s/%s/%s.json", e.prefix, day, kind, workspaceID, id)
}

func (e *Exporter) put(ctx context.Context, key string, record any) {
	body, err := json.Marshal(record)
	if err != nil {
		e.logger.Error("marshal failure record", zap.String("key", key), zap.Error(err))
		return
	}
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		e.logger.Error("archive failure record", zap.String("key", key), zap.Error(err))
	}
}
