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
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	parquetwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "bookflow/config"
	"bookflow/logger"
	"bookflow/models"
)

// ArchiveRecord is the parquet row schema for archived analytics snapshots.
type ArchiveRecord struct {
	ID              string  `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol          string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp       int64   `parquet:"name=timestamp, type=INT64"`
	BestBid         float64 `parquet:"name=best_bid, type=DOUBLE"`
	BestBidExchange string  `parquet:"name=best_bid_exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	BestAsk         float64 `parquet:"name=best_ask, type=DOUBLE"`
	BestAskExchange string  `parquet:"name=best_ask_exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	Spread          float64 `parquet:"name=spread, type=DOUBLE"`
	MidPrice        float64 `parquet:"name=mid_price, type=DOUBLE"`
	Gap             float64 `parquet:"name=gap, type=DOUBLE"`
	RawGap          float64 `parquet:"name=raw_gap, type=DOUBLE"`
	BuyExchange     string  `parquet:"name=buy_exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
	SellExchange    string  `parquet:"name=sell_exchange, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter implements the ParquetFile interface for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}
func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// Archiver buffers analytics snapshots per symbol and flushes them to S3 as
// parquet objects by size or interval.
type Archiver struct {
	config    *appconfig.Config
	snapshots <-chan models.AnalyticsSnapshot
	s3Client  *s3.Client

	ctx         context.Context
	wg          *sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	log         *logger.Log
	buffer      map[string][]models.AnalyticsSnapshot
	flushTicker *time.Ticker
}

func NewArchiver(cfg *appconfig.Config, snapshots <-chan models.AnalyticsSnapshot) (*Archiver, error) {
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

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("archiver initialized")

	return &Archiver{
		config:    cfg,
		snapshots: snapshots,
		s3Client:  s3Client,
		wg:        &sync.WaitGroup{},
		log:       log,
	}, nil
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archiver already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting archiver")

	a.buffer = make(map[string][]models.AnalyticsSnapshot)

	interval := a.config.Storage.Archive.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	a.flushTicker = time.NewTicker(interval)

	a.wg.Add(1)
	go a.worker()

	a.wg.Add(1)
	go a.flushWorker()

	log.Info("archiver started successfully")
	return nil
}

func (a *Archiver) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	if a.flushTicker != nil {
		a.flushTicker.Stop()
	}

	a.log.WithComponent("archiver").Info("stopping archiver")
	a.wg.Wait()
	a.log.WithComponent("archiver").Info("archiver stopped")
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	for {
		select {
		case <-a.ctx.Done():
			return
		case snap, ok := <-a.snapshots:
			if !ok {
				return
			}
			a.addSnapshot(snap)
		}
	}
}

func (a *Archiver) addSnapshot(snap models.AnalyticsSnapshot) {
	batchSize := a.config.Storage.Archive.BatchSize
	a.mu.Lock()
	a.buffer[snap.Symbol] = append(a.buffer[snap.Symbol], snap)
	full := batchSize > 0 && len(a.buffer[snap.Symbol]) >= batchSize
	a.mu.Unlock()

	if full {
		a.flushSymbol(snap.Symbol, "batch_size")
	}
}

func (a *Archiver) flushWorker() {
	defer a.wg.Done()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		select {
		case <-a.ctx.Done():
			a.flushAll("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-a.flushTicker.C:
			a.flushAll("interval")
		}
	}
}

func (a *Archiver) flushAll(reason string) {
	a.mu.Lock()
	symbols := make([]string, 0, len(a.buffer))
	for symbol := range a.buffer {
		symbols = append(symbols, symbol)
	}
	a.mu.Unlock()

	for _, symbol := range symbols {
		a.flushSymbol(symbol, reason)
	}
}

func (a *Archiver) flushSymbol(symbol, reason string) {
	a.mu.Lock()
	snaps := a.buffer[symbol]
	delete(a.buffer, symbol)
	a.mu.Unlock()

	if len(snaps) == 0 {
		return
	}

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"symbol":       symbol,
		"record_count": len(snaps),
		"reason":       reason,
	})

	key := a.objectKey(symbol, snaps[len(snaps)-1].Timestamp)
	log = log.WithFields(logger.Fields{"s3_key": key})

	data, err := createParquetFile(toArchiveRecords(snaps))
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := a.uploadToS3(key, data); err != nil {
		log.WithError(err).WithFields(logger.Fields{
			"bucket": a.config.Storage.S3.Bucket,
		}).Error("failed to upload to S3")
		return
	}

	logger.IncrementArchiveWrites()
	log.WithFields(logger.Fields{"file_size": len(data)}).Info("archive object uploaded")
}

func (a *Archiver) objectKey(symbol string, ts time.Time) string {
	ts = ts.UTC()
	parts := []string{}
	if prefix := a.config.Storage.Archive.Prefix; prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts,
		fmt.Sprintf("symbol=%s", symbol),
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()),
		fmt.Sprintf("analytics_%s_%s.parquet", symbol, ts.Format("20060102150405")),
	)
	return filepath.ToSlash(filepath.Join(parts...))
}

func toArchiveRecords(snaps []models.AnalyticsSnapshot) []ArchiveRecord {
	records := make([]ArchiveRecord, 0, len(snaps))
	for _, s := range snaps {
		r := ArchiveRecord{
			ID:              s.ID,
			Symbol:          s.Symbol,
			Timestamp:       s.Timestamp.UnixMilli(),
			BestBidExchange: s.GlobalBestBidExchange,
			BestAskExchange: s.GlobalBestAskExchange,
			Gap:             s.Arbitrage.Gap.InexactFloat64(),
			RawGap:          s.Arbitrage.RawGap.InexactFloat64(),
			BuyExchange:     s.Arbitrage.BuyExchange,
			SellExchange:    s.Arbitrage.SellExchange,
		}
		if s.GlobalBestBid != nil {
			r.BestBid = s.GlobalBestBid.InexactFloat64()
		}
		if s.GlobalBestAsk != nil {
			r.BestAsk = s.GlobalBestAsk.InexactFloat64()
		}
		if s.Spread != nil {
			r.Spread = s.Spread.InexactFloat64()
		}
		if s.MidPrice != nil {
			r.MidPrice = s.MidPrice.InexactFloat64()
		}
		records = append(records, r)
	}
	return records
}

func createParquetFile(records []ArchiveRecord) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := parquetwriter.NewParquetWriter(fw, new(ArchiveRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

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

func (a *Archiver) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":     "parquet",
			"bookflow-version": a.config.Bookflow.Version,
		},
	}

	ctx := context.WithoutCancel(a.ctx)
	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.config.Storage.S3.Bucket, err)
	}
	return nil
}
