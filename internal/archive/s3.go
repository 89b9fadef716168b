package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ChuLiYu/logbus/pkg/types"
)

// PutObjectAPI is the part of the S3 client the archiver needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3 uploads archives to an S3-compatible bucket.
type S3 struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// NewS3 creates an S3 archiver. If endpoint is non-empty, path-style
// addressing is enabled (for MinIO and similar).
func NewS3(ctx context.Context, bucket, prefix, region, endpoint string) (*S3, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3opts []func(*s3.Options)
	if endpoint != "" {
		s3opts = append(s3opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		})
	}

	return NewS3WithClient(s3.NewFromConfig(cfg, s3opts...), bucket, prefix), nil
}

// NewS3WithClient creates an S3 archiver around an existing client.
func NewS3WithClient(client PutObjectAPI, bucket, prefix string) *S3 {
	return &S3{client: client, bucket: bucket, prefix: prefix}
}

// Archive uploads the gzip-compressed log and returns its s3:// location.
func (a *S3) Archive(ctx context.Context, peer types.PeerID, srcPath string, at time.Time) (string, error) {
	var buf bytes.Buffer
	if err := compress(&buf, srcPath); err != nil {
		return "", fmt.Errorf("archive: compress %s: %w", srcPath, err)
	}

	key := path.Join(a.prefix, ObjectName(peer, at))
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(a.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}
