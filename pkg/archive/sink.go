package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/renameio/v2"
)

// Sink stores an exported archive under a key.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) (err error)
}

// ErrNoSink is returned by NewSink when neither a directory nor a bucket is
// configured.
const ErrNoSink errors.Error = "no archive directory or bucket"

// Config is the configuration of an archive sink.
type Config struct {
	// Dir is the local directory archives are written to when Bucket is
	// empty.
	Dir string

	// Bucket is the S3 bucket archives are uploaded to.
	Bucket string

	// Prefix is prepended to the S3 object keys.
	Prefix string

	// Region is the AWS region of Bucket.  Empty means the SDK default.
	Region string
}

// NewSink returns the sink configured by c.
func NewSink(ctx context.Context, c *Config) (s Sink, err error) {
	switch {
	case c.Bucket != "":
		return NewS3Sink(ctx, c.Bucket, c.Prefix, c.Region)
	case c.Dir != "":
		return &DirSink{Dir: c.Dir}, nil
	default:
		return nil, ErrNoSink
	}
}

// DirSink writes archives into a local directory.  Files are replaced
// atomically, so a reader never sees a partial archive.
type DirSink struct {
	Dir string
}

// type check
var _ Sink = (*DirSink)(nil)

// Put implements the Sink interface for *DirSink.
func (s *DirSink) Put(_ context.Context, key string, data []byte) (err error) {
	if err = os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("creating archive dir: %w", err)
	}

	name := filepath.Join(s.Dir, filepath.Base(key))
	if err = renameio.WriteFile(name, data, 0o644); err != nil {
		return fmt.Errorf("writing archive: %w", err)
	}

	return nil
}

// putObjecter is the part of *s3.Client used by S3Sink.
type putObjecter interface {
	PutObject(
		ctx context.Context,
		in *s3.PutObjectInput,
		optFns ...func(*s3.Options),
	) (out *s3.PutObjectOutput, err error)
}

// S3Sink uploads archives to an S3 bucket.
type S3Sink struct {
	client putObjecter
	bucket string
	prefix string
}

// type check
var _ Sink = (*S3Sink)(nil)

// NewS3Sink loads the default AWS configuration and returns a sink uploading
// into bucket.
func NewS3Sink(ctx context.Context, bucket, prefix, region string) (s *S3Sink, err error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return newS3Sink(s3.NewFromConfig(awsCfg), bucket, prefix), nil
}

func newS3Sink(client putObjecter, bucket, prefix string) (s *S3Sink) {
	return &S3Sink{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

// Put implements the Sink interface for *S3Sink.
func (s *S3Sink) Put(ctx context.Context, key string, data []byte) (err error) {
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.prefix + key),
		Body:            bytes.NewReader(data),
		ContentLength:   aws.Int64(int64(len(data))),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err != nil {
		return fmt.Errorf("uploading %q: %w", s.prefix+key, err)
	}

	return nil
}
