package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ZaninAndrea/ccf/internal/ccf"
)

// memoryS3 is an in-memory bucket store that records the ranges it serves.
type memoryS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	ranges  []string
}

func newMemoryS3() *memoryS3 {
	return &memoryS3{objects: map[string][]byte{}}
}

func (m *memoryS3) key(bucket, key *string) string {
	return aws.ToString(bucket) + "/" + aws.ToString(key)
}

func (m *memoryS3) HeadObject(_ context.Context, params *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[m.key(params.Bucket, params.Key)]
	if !ok {
		return nil, fmt.Errorf("no such key %s", aws.ToString(params.Key))
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (m *memoryS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.objects[m.key(params.Bucket, params.Key)]
	if !ok {
		return nil, fmt.Errorf("no such key %s", aws.ToString(params.Key))
	}

	var start, end int
	if _, err := fmt.Sscanf(aws.ToString(params.Range), "bytes=%d-%d", &start, &end); err != nil {
		return nil, err
	}
	m.ranges = append(m.ranges, aws.ToString(params.Range))

	end = min(end+1, len(data))
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data[start:end]))}, nil
}

func (m *memoryS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[m.key(params.Bucket, params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func newTestStorage(client s3API) (*Storage, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	s := New(Config{}, nil, reg)
	if client != nil {
		s.s3Once.Do(func() {})
		s.s3Client = client
	}
	return s, reg
}

func TestParseLocation(t *testing.T) {
	tests := []struct {
		uri      string
		expected Location
		wantErr  bool
	}{
		{uri: "data.ccf", expected: Location{Key: "data.ccf"}},
		{uri: "/tmp/a/b.csv.lz4", expected: Location{Key: "/tmp/a/b.csv.lz4"}},
		{uri: "s3://bucket/key.ccf", expected: Location{Bucket: "bucket", Key: "key.ccf"}},
		{uri: "s3://bucket/nested/key.ccf", expected: Location{Bucket: "bucket", Key: "nested/key.ccf"}},
		{uri: "s3://bucket", wantErr: true},
		{uri: "s3://bucket/", wantErr: true},
		{uri: "s3:///key", wantErr: true},
		{uri: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			loc, err := ParseLocation(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.expected, loc)
			require.Equal(t, tt.uri, loc.String())
		})
	}
}

func TestLocalRoundTrip(t *testing.T) {
	s, reg := newTestStorage(nil)
	path := filepath.Join(t.TempDir(), "data.bin")
	ctx := context.Background()

	w, err := s.Create(ctx, path)
	require.NoError(t, err)
	_, err = io.Copy(w, strings.NewReader("hello columns"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := s.Open(ctx, path)
	require.NoError(t, err)
	_, err = r.Seek(6, io.SeekStart)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, "columns", string(data))

	require.Equal(t, 13.0, testutil.ToFloat64(s.metrics.BytesWritten.WithLabelValues(backendLocal)))
	require.Equal(t, 7.0, testutil.ToFloat64(s.metrics.BytesRead.WithLabelValues(backendLocal)))

	count, err := testutil.GatherAndCount(reg, "ccf_storage_requests_total")
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestLZ4RoundTrip(t *testing.T) {
	ctx := context.Background()
	payload := strings.Repeat("id,score,name\n1,2.5,ann\n", 100)

	for _, name := range []string{"local", "s3"} {
		t.Run(name, func(t *testing.T) {
			var s *Storage
			var uri string
			var fake *memoryS3
			if name == "s3" {
				fake = newMemoryS3()
				s, _ = newTestStorage(fake)
				uri = "s3://bucket/data.csv.lz4"
			} else {
				s, _ = newTestStorage(nil)
				uri = filepath.Join(t.TempDir(), "data.csv.lz4")
			}

			w, err := s.CreateOutput(ctx, uri)
			require.NoError(t, err)
			_, err = io.WriteString(w, payload)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			if fake != nil {
				stored := fake.objects["bucket/data.csv.lz4"]
				require.NotEmpty(t, stored)
				require.Less(t, len(stored), len(payload), "the stored object is not compressed")
			}

			r, err := s.OpenInput(ctx, uri)
			require.NoError(t, err)
			data, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			require.Equal(t, payload, string(data))
		})
	}
}

func TestPlainInputIsNotDecompressed(t *testing.T) {
	s, _ := newTestStorage(nil)
	path := filepath.Join(t.TempDir(), "data.csv")
	ctx := context.Background()

	w, err := s.CreateOutput(ctx, path)
	require.NoError(t, err)
	_, err = io.WriteString(w, "a,b\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := s.OpenInput(ctx, path)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "a,b\n", string(data))
}

func TestS3Object(t *testing.T) {
	fake := newMemoryS3()
	fake.objects["bucket/key"] = []byte("0123456789")
	s, _ := newTestStorage(fake)
	ctx := context.Background()

	r, err := s.Open(ctx, "s3://bucket/key")
	require.NoError(t, err)
	defer r.Close()

	size, err := r.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(10), size)

	_, err = r.Seek(7, io.SeekStart)
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, err := r.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "789", string(buf[:n]))

	_, err = r.Read(buf)
	require.ErrorIs(t, err, io.EOF)
	require.Equal(t, []string{"bytes=7-9"}, fake.ranges)

	_, err = r.Seek(-1, io.SeekStart)
	require.Error(t, err)

	_, err = s.Open(ctx, "s3://bucket/missing")
	require.Error(t, err)
}

func TestS3SelectiveRead(t *testing.T) {
	fake := newMemoryS3()
	s, _ := newTestStorage(fake)
	ctx := context.Background()

	columns := []ccf.ColumnDef{
		{Name: "id", Type: ccf.ColumnTypeInt32},
		{Name: "payload", Type: ccf.ColumnTypeString},
		{Name: "name", Type: ccf.ColumnTypeString},
	}
	rows := make([]ccf.Row, 500)
	for i := range rows {
		rows[i] = ccf.Row{int32(i), strings.Repeat(fmt.Sprint(i), 20), fmt.Sprintf("row-%d", i)}
	}

	file, err := s.Create(ctx, "s3://bucket/table.ccf")
	require.NoError(t, err)
	writer, err := ccf.NewWriter(columns, file, nil)
	require.NoError(t, err)
	require.NoError(t, writer.Write(rows))
	require.NoError(t, writer.Close())

	stored := fake.objects["bucket/table.ccf"]
	require.Equal(t, float64(len(stored)), testutil.ToFloat64(s.metrics.BytesWritten.WithLabelValues(backendS3)))

	object, err := s.Open(ctx, "s3://bucket/table.ccf")
	require.NoError(t, err)
	reader, err := ccf.NewReader(object)
	require.NoError(t, err)
	defer reader.Close()

	values, err := reader.ReadColumn("name")
	require.NoError(t, err)
	require.Len(t, values, len(rows))
	require.Equal(t, "row-499", values[499])

	header := reader.Header()
	name, _ := header.Column("name")
	expectedBytes := header.DataOffset() + name.CompressedSize
	require.Equal(t, float64(expectedBytes), testutil.ToFloat64(s.metrics.BytesRead.WithLabelValues(backendS3)))
	require.Less(t, expectedBytes, uint64(len(stored)))

	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Requests.WithLabelValues(backendS3, "head")))
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.Requests.WithLabelValues(backendS3, "put")))
}
