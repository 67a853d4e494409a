package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// s3API is the subset of the S3 client used by the storage layer.
type s3API interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// s3 returns the S3 client, building it from the configuration on first use.
func (s *Storage) s3(ctx context.Context) (s3API, error) {
	s.s3Once.Do(func() {
		s.s3Client, s.s3Err = newS3Client(ctx, s.cfg)
	})
	return s.s3Client, s.s3Err
}

func newS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	var opts []func(*config.LoadOptions) error
	if cfg.S3Region != "" {
		opts = append(opts, config.WithRegion(cfg.S3Region))
	}
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// s3Object reads an object with one ranged GET per Read call, so seeking over
// data never downloads it.
type s3Object struct {
	ctx     context.Context
	client  s3API
	loc     Location
	size    int64
	pos     int64
	logger  log.Logger
	metrics *Metrics
}

func openS3Object(ctx context.Context, client s3API, loc Location, logger log.Logger, metrics *Metrics) (*s3Object, error) {
	head, err := client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	metrics.Requests.WithLabelValues(backendS3, "head").Inc()
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", loc, err)
	}

	size := aws.ToInt64(head.ContentLength)
	level.Debug(logger).Log("msg", "opened s3 object", "uri", loc, "size", size)

	return &s3Object{
		ctx:     ctx,
		client:  client,
		loc:     loc,
		size:    size,
		logger:  logger,
		metrics: metrics,
	}, nil
}

func (o *s3Object) Read(p []byte) (int, error) {
	if o.pos >= o.size {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	end := min(o.pos+int64(len(p)), o.size)
	byteRange := fmt.Sprintf("bytes=%d-%d", o.pos, end-1)

	out, err := o.client.GetObject(o.ctx, &s3.GetObjectInput{
		Bucket: aws.String(o.loc.Bucket),
		Key:    aws.String(o.loc.Key),
		Range:  aws.String(byteRange),
	})
	o.metrics.Requests.WithLabelValues(backendS3, "get").Inc()
	if err != nil {
		return 0, fmt.Errorf("get %s %s: %w", o.loc, byteRange, err)
	}
	defer out.Body.Close()

	level.Debug(o.logger).Log("msg", "s3 ranged read", "uri", o.loc, "range", byteRange)

	n, err := io.ReadFull(out.Body, p[:end-o.pos])
	o.pos += int64(n)
	o.metrics.BytesRead.WithLabelValues(backendS3).Add(float64(n))
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// The object shrank since it was opened
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func (o *s3Object) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = o.pos + offset
	case io.SeekEnd:
		pos = o.size + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("negative position %d", pos)
	}

	o.pos = pos
	return pos, nil
}

func (o *s3Object) Close() error {
	return nil
}

// s3Writer buffers the whole object and uploads it on Close.
type s3Writer struct {
	ctx     context.Context
	client  s3API
	loc     Location
	buf     bytes.Buffer
	logger  log.Logger
	metrics *Metrics
}

func newS3Writer(ctx context.Context, client s3API, loc Location, logger log.Logger, metrics *Metrics) *s3Writer {
	return &s3Writer{
		ctx:     ctx,
		client:  client,
		loc:     loc,
		logger:  logger,
		metrics: metrics,
	}
}

func (w *s3Writer) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *s3Writer) Close() error {
	size := int64(w.buf.Len())
	_, err := w.client.PutObject(w.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(w.loc.Bucket),
		Key:           aws.String(w.loc.Key),
		Body:          bytes.NewReader(w.buf.Bytes()),
		ContentLength: aws.Int64(size),
	})
	w.metrics.Requests.WithLabelValues(backendS3, "put").Inc()
	if err != nil {
		return fmt.Errorf("put %s: %w", w.loc, err)
	}

	w.metrics.BytesWritten.WithLabelValues(backendS3).Add(float64(size))
	level.Debug(w.logger).Log("msg", "uploaded s3 object", "uri", w.loc, "size", size)
	return nil
}
