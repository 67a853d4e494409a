package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-multierror"
	"github.com/pierrec/lz4/v4"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	backendLocal = "local"
	backendS3    = "s3"

	s3Scheme  = "s3://"
	lz4Suffix = ".lz4"
)

// Config configures the remote backends. Local paths need no configuration.
type Config struct {
	S3Region          string // Region of the bucket. Defaults to the region of the shared AWS config.
	S3Endpoint        string // Custom endpoint, for S3 compatible stores such as MinIO.
	S3PathStyle       bool   // Address buckets as a path instead of a subdomain.
	S3AccessKeyID     string // Static credentials. When empty the default credential chain is used.
	S3SecretAccessKey string
}

// Storage opens and creates files addressed by a local path or an s3://bucket/key URI.
type Storage struct {
	cfg     Config
	logger  log.Logger
	metrics *Metrics

	s3Once   sync.Once
	s3Client s3API
	s3Err    error
}

func New(cfg Config, logger log.Logger, reg prometheus.Registerer) *Storage {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &Storage{
		cfg:     cfg,
		logger:  logger,
		metrics: NewMetrics(reg),
	}
}

// Location is a parsed storage address.
type Location struct {
	Bucket string // empty for local files
	Key    string // the object key, or the local path
}

func (l Location) IsS3() bool {
	return l.Bucket != ""
}

func (l Location) String() string {
	if l.IsS3() {
		return s3Scheme + l.Bucket + "/" + l.Key
	}
	return l.Key
}

// ParseLocation splits an s3://bucket/key URI, anything else is a local path.
func ParseLocation(uri string) (Location, error) {
	if !strings.HasPrefix(uri, s3Scheme) {
		if uri == "" {
			return Location{}, fmt.Errorf("empty path")
		}
		return Location{Key: uri}, nil
	}

	bucket, key, ok := strings.Cut(strings.TrimPrefix(uri, s3Scheme), "/")
	if !ok || bucket == "" || key == "" {
		return Location{}, fmt.Errorf("invalid s3 uri %q, expected s3://bucket/key", uri)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

// Open opens a file for random access reads.
func (s *Storage) Open(ctx context.Context, uri string) (io.ReadSeekCloser, error) {
	loc, err := ParseLocation(uri)
	if err != nil {
		return nil, err
	}

	if !loc.IsS3() {
		file, err := os.Open(loc.Key)
		if err != nil {
			return nil, err
		}
		s.metrics.Requests.WithLabelValues(backendLocal, "open").Inc()
		return &localFile{file: file, bytesRead: s.metrics.BytesRead.WithLabelValues(backendLocal)}, nil
	}

	client, err := s.s3(ctx)
	if err != nil {
		return nil, err
	}
	return openS3Object(ctx, client, loc, s.logger, s.metrics)
}

// Create creates or truncates a file. For remote backends the data becomes visible on Close.
func (s *Storage) Create(ctx context.Context, uri string) (io.WriteCloser, error) {
	loc, err := ParseLocation(uri)
	if err != nil {
		return nil, err
	}

	if !loc.IsS3() {
		file, err := os.Create(loc.Key)
		if err != nil {
			return nil, err
		}
		s.metrics.Requests.WithLabelValues(backendLocal, "create").Inc()
		return &localFile{file: file, bytesWritten: s.metrics.BytesWritten.WithLabelValues(backendLocal)}, nil
	}

	client, err := s.s3(ctx)
	if err != nil {
		return nil, err
	}
	return newS3Writer(ctx, client, loc, s.logger, s.metrics), nil
}

// OpenInput opens a file for sequential reads, decompressing it when its name ends in .lz4.
func (s *Storage) OpenInput(ctx context.Context, uri string) (io.ReadCloser, error) {
	file, err := s.Open(ctx, uri)
	if err != nil {
		return nil, err
	}

	if !strings.HasSuffix(uri, lz4Suffix) {
		return file, nil
	}

	level.Debug(s.logger).Log("msg", "reading lz4 compressed input", "uri", uri)
	return &lz4ReadCloser{Reader: lz4.NewReader(file), file: file}, nil
}

// CreateOutput creates a file for sequential writes, compressing it when its name ends in .lz4.
func (s *Storage) CreateOutput(ctx context.Context, uri string) (io.WriteCloser, error) {
	file, err := s.Create(ctx, uri)
	if err != nil {
		return nil, err
	}

	if !strings.HasSuffix(uri, lz4Suffix) {
		return file, nil
	}

	level.Debug(s.logger).Log("msg", "writing lz4 compressed output", "uri", uri)
	return &lz4WriteCloser{Writer: lz4.NewWriter(file), file: file}, nil
}

type lz4ReadCloser struct {
	*lz4.Reader
	file io.Closer
}

func (r *lz4ReadCloser) Close() error {
	return r.file.Close()
}

type lz4WriteCloser struct {
	*lz4.Writer
	file io.Closer
}

// Close flushes the lz4 frame and closes the underlying file, even if the flush fails.
func (w *lz4WriteCloser) Close() error {
	var result *multierror.Error
	if err := w.Writer.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := w.file.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// localFile counts the bytes moved through an *os.File. The file is not embedded so that
// io.Copy cannot bypass the counters through ReadFrom or WriteTo.
type localFile struct {
	file         *os.File
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
}

func (f *localFile) Read(p []byte) (int, error) {
	n, err := f.file.Read(p)
	if f.bytesRead != nil {
		f.bytesRead.Add(float64(n))
	}
	return n, err
}

func (f *localFile) Write(p []byte) (int, error) {
	n, err := f.file.Write(p)
	if f.bytesWritten != nil {
		f.bytesWritten.Add(float64(n))
	}
	return n, err
}

func (f *localFile) Seek(offset int64, whence int) (int64, error) {
	return f.file.Seek(offset, whence)
}

func (f *localFile) Close() error {
	return f.file.Close()
}
