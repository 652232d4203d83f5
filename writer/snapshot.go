// Package writer archives daily portfolio value snapshots as parquet objects
// in S3, partitioned by date.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "defiflow/config"
	"defiflow/logger"
	"defiflow/models"
)

const defaultPrefix = "portfolio_snapshots"

// snapshotRecord is the parquet row shape for one archived observation.
type snapshotRecord struct {
	Wallet        string  `parquet:"name=wallet, type=BYTE_ARRAY, convertedtype=UTF8"`
	TotalValue    float64 `parquet:"name=total_value, type=DOUBLE"`
	PositionCount int32   `parquet:"name=position_count, type=INT32"`
	Timestamp     int64   `parquet:"name=timestamp, type=INT64"`
}

// memoryFileWriter implements the ParquetFile interface over a byte buffer so
// files are encoded fully in memory before the S3 put.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	// Append-only writing never seeks backwards.
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// objectPutter is the slice of the S3 client the writer needs.
type objectPutter interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// SnapshotWriter buffers portfolio snapshots per wallet and flushes them to
// S3 as parquet files on an interval and at shutdown.
type SnapshotWriter struct {
	config   *appconfig.Config
	s3Client objectPutter
	intake   chan models.PortfolioSnapshot
	ctx      context.Context
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	buffer   map[string][]snapshotRecord
	ticker   *time.Ticker
	log      *logger.Log
}

// NewSnapshotWriter builds the S3 client from the storage configuration and
// returns a writer ready to start.
func NewSnapshotWriter(cfg *appconfig.Config) (*SnapshotWriter, error) {
	log := logger.GetLogger()
	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("snapshot_writer").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	log.WithComponent("snapshot_writer").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("snapshot writer initialized")

	return &SnapshotWriter{
		config:   cfg,
		s3Client: s3Client,
		intake:   make(chan models.PortfolioSnapshot, 256),
		buffer:   make(map[string][]snapshotRecord),
		log:      log,
	}, nil
}

// Send queues a snapshot for archival. A full intake channel drops the
// snapshot rather than blocking the refresh loop.
func (w *SnapshotWriter) Send(snapshot models.PortfolioSnapshot) {
	select {
	case w.intake <- snapshot:
		logger.RecordChannelMessage("snapshot_intake", 1)
	default:
		w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{
			"wallet": snapshot.Wallet,
		}).Warn("intake channel full, dropping snapshot")
	}
}

// Start launches the intake and flush workers.
func (w *SnapshotWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("snapshot writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.ticker = time.NewTicker(w.config.Storage.S3.FlushInterval)
	w.mu.Unlock()

	log := w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting snapshot writer")

	w.wg.Add(2)
	go w.intakeWorker()
	go w.flushWorker()

	log.Info("snapshot writer started successfully")
	return nil
}

// Stop halts the ticker and waits for the workers to drain.
func (w *SnapshotWriter) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	if w.ticker != nil {
		w.ticker.Stop()
	}

	w.log.WithComponent("snapshot_writer").Info("stopping snapshot writer")
	w.wg.Wait()
	w.log.WithComponent("snapshot_writer").Info("snapshot writer stopped")
}

func (w *SnapshotWriter) intakeWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{"worker": "intake"})
	log.Info("starting intake worker")

	for {
		select {
		case <-w.ctx.Done():
			log.Info("intake worker stopped due to context cancellation")
			return
		case snapshot := <-w.intake:
			w.add(snapshot)
		}
	}
}

func (w *SnapshotWriter) add(snapshot models.PortfolioSnapshot) {
	record := snapshotRecord{
		Wallet:        snapshot.Wallet,
		TotalValue:    snapshot.TotalValue,
		PositionCount: int32(snapshot.PositionCount),
		Timestamp:     snapshot.Timestamp.UnixMilli(),
	}
	w.mu.Lock()
	w.buffer[snapshot.Wallet] = append(w.buffer[snapshot.Wallet], record)
	w.mu.Unlock()
}

func (w *SnapshotWriter) flushWorker() {
	defer w.wg.Done()

	log := w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-w.ctx.Done():
			w.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-w.ticker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *SnapshotWriter) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]snapshotRecord)
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing snapshot buffers")

	for wallet, records := range buffers {
		if len(records) == 0 {
			continue
		}
		w.processWallet(wallet, records)
	}
}

func (w *SnapshotWriter) processWallet(wallet string, records []snapshotRecord) {
	log := w.log.WithComponent("snapshot_writer").WithFields(logger.Fields{
		"wallet":       wallet,
		"record_count": len(records),
		"operation":    "process_wallet",
	})

	key := w.objectKey(wallet, time.Now().UTC())
	log = log.WithFields(logger.Fields{"s3_key": key})

	data, err := w.encodeParquet(records)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := w.upload(key, data); err != nil {
		log.WithError(err).
			WithEnv("S3_BUCKET").
			WithFields(logger.Fields{"bucket": w.config.Storage.S3.Bucket}).
			Error("failed to upload to S3")
		return
	}

	logger.IncrementS3Snapshot(int64(len(data)))
	logger.LogDataFlowEntry(log, "snapshot_buffer", "s3", len(records), "portfolio_snapshot")
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("snapshot batch uploaded successfully")
}

// objectKey partitions objects by calendar date:
// <prefix>/dt=YYYY-MM-DD/<wallet>_<uuid>.parquet
func (w *SnapshotWriter) objectKey(wallet string, now time.Time) string {
	prefix := w.config.Storage.S3.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	filename := fmt.Sprintf("%s_%s.parquet", wallet, uuid.New().String())
	return filepath.ToSlash(filepath.Join(prefix, "dt="+now.Format("2006-01-02"), filename))
}

func (w *SnapshotWriter) encodeParquet(records []snapshotRecord) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := pqwriter.NewParquetWriter(fw, new(snapshotRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.Storage.S3.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, r := range records {
		if err := pw.Write(r); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}

	return fw.Bytes(), nil
}

func (w *SnapshotWriter) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"compression":      w.config.Storage.S3.Compression,
			"defiflow-version": w.config.Defiflow.Version,
		},
	}

	// Shutdown flushes must finish even after the run context is cancelled.
	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	if err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", w.config.Storage.S3.Bucket, err)
	}
	return nil
}
