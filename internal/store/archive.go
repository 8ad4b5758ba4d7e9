package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"cryptoguard/config"
	"cryptoguard/internal/models"
	"cryptoguard/logger"
)

const (
	defaultArchiveFlush = time.Minute
	defaultArchiveBatch = 500
)

// ObjectPutter is the part of the S3 client the archive needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

type latencyRecord struct {
	ID                  string `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Endpoint            string `parquet:"name=endpoint, type=BYTE_ARRAY, convertedtype=UTF8"`
	RequestType         string `parquet:"name=request_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	RequestTime         int64  `parquet:"name=request_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	ResponseTime        int64  `parquet:"name=response_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	ExchangeTime        int64  `parquet:"name=exchange_time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	TotalLatencyMs      int64  `parquet:"name=total_latency_ms, type=INT64"`
	NetworkLatencyMs    int64  `parquet:"name=network_latency_ms, type=INT64"`
	ProcessingLatencyMs int64  `parquet:"name=processing_latency_ms, type=INT64"`
	Success             bool   `parquet:"name=success, type=BOOLEAN"`
	ErrorCode           string `parquet:"name=error_code, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func toRecord(m models.LatencyMeasurement) latencyRecord {
	rec := latencyRecord{
		ID:                  m.ID,
		Endpoint:            m.Endpoint,
		RequestType:         m.RequestType,
		RequestTime:         m.RequestTime.UTC().UnixMilli(),
		ResponseTime:        m.ResponseTime.UTC().UnixMilli(),
		TotalLatencyMs:      m.TotalLatencyMs,
		NetworkLatencyMs:    m.NetworkLatencyMs,
		ProcessingLatencyMs: m.ProcessingLatencyMs,
		Success:             m.Success,
		ErrorCode:           m.ErrorCode,
	}
	if m.ExchangeTime != nil {
		rec.ExchangeTime = m.ExchangeTime.UTC().UnixMilli()
	}
	return rec
}

// LatencyArchive batches measurements into snappy parquet files on S3. It is
// registered as a latency monitor observer.
type LatencyArchive struct {
	client        ObjectPutter
	bucket        string
	prefix        string
	flushInterval time.Duration
	batchSize     int
	log           *logger.Log

	mu      sync.Mutex
	buffer  []models.LatencyMeasurement
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	flushes chan struct{}
}

// NewLatencyArchive builds an S3 client from the storage config.
func NewLatencyArchive(ctx context.Context, cfg config.S3Config) (*LatencyArchive, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("s3 storage is disabled")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, fmt.Errorf("s3 bucket not configured")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	a := NewLatencyArchiveWithClient(client, bucket, cfg.Prefix, cfg.FlushInterval, cfg.BatchSize)
	a.log.WithComponent("latency_archive").WithFields(logger.Fields{
		"bucket":     bucket,
		"region":     cfg.Region,
		"endpoint":   cfg.Endpoint,
		"path_style": cfg.PathStyle,
	}).Info("latency archive initialized")
	return a, nil
}

func NewLatencyArchiveWithClient(client ObjectPutter, bucket, prefix string, flushInterval time.Duration, batchSize int) *LatencyArchive {
	if flushInterval <= 0 {
		flushInterval = defaultArchiveFlush
	}
	if batchSize <= 0 {
		batchSize = defaultArchiveBatch
	}
	return &LatencyArchive{
		client:        client,
		bucket:        bucket,
		prefix:        strings.Trim(prefix, "/"),
		flushInterval: flushInterval,
		batchSize:     batchSize,
		log:           logger.GetLogger(),
		flushes:       make(chan struct{}, 1),
	}
}

// Observe buffers one measurement; a full batch wakes the flush worker.
func (a *LatencyArchive) Observe(m models.LatencyMeasurement) {
	a.mu.Lock()
	a.buffer = append(a.buffer, m)
	full := len(a.buffer) >= a.batchSize
	a.mu.Unlock()

	if full {
		select {
		case a.flushes <- struct{}{}:
		default:
		}
	}
}

func (a *LatencyArchive) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("latency archive already running")
	}
	a.running = true
	ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.wg.Add(1)
	go a.flushWorker(ctx)
	return nil
}

// Stop ends the worker and uploads whatever is still buffered.
func (a *LatencyArchive) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	cancel := a.cancel
	a.mu.Unlock()

	cancel()
	a.wg.Wait()
	if err := a.Flush(context.Background()); err != nil {
		a.log.WithComponent("latency_archive").WithError(err).Error("final flush failed")
	}
	a.log.WithComponent("latency_archive").Info("latency archive stopped")
}

func (a *LatencyArchive) flushWorker(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-a.flushes:
		}
		if err := a.Flush(ctx); err != nil {
			a.log.WithComponent("latency_archive").WithError(err).Error("latency archive flush failed")
		}
	}
}

// Flush uploads the buffered measurements as one parquet object. On failure
// the batch is put back for the next attempt.
func (a *LatencyArchive) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.buffer
	a.buffer = nil
	a.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	data, err := encodeParquet(batch)
	if err != nil {
		return fmt.Errorf("encode parquet: %w", err)
	}

	key := a.objectKey(batch[len(batch)-1].RequestTime)
	_, err = a.client.PutObject(context.WithoutCancel(ctx), &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		a.mu.Lock()
		a.buffer = append(batch, a.buffer...)
		a.mu.Unlock()
		return fmt.Errorf("upload %s: %w", key, err)
	}

	a.log.WithComponent("latency_archive").WithFields(logger.Fields{
		"s3_key":  key,
		"records": len(batch),
		"bytes":   len(data),
	}).Info("latency batch uploaded")
	return nil
}

func (a *LatencyArchive) objectKey(ts time.Time) string {
	ts = ts.UTC()
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	datePart := fmt.Sprintf("date=%04d-%02d-%02d", ts.Year(), ts.Month(), ts.Day())
	filename := fmt.Sprintf("latency_%s.parquet", ts.Format("20060102150405.000"))
	if a.prefix == "" {
		return path.Join("latency", datePart, filename)
	}
	return path.Join(a.prefix, "latency", datePart, filename)
}

func encodeParquet(batch []models.LatencyMeasurement) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(latencyRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, m := range batch {
		if err := pw.Write(toRecord(m)); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}
