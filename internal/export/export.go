// Package export batches the fan-out stream and forwards it to
// registered emitters, applying loop-prevention against records that
// arrived via the mesh RPC ingress.
package export

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"sipwatch/internal/logging"
	"sipwatch/internal/record"
)

// DefaultBatchSize and DefaultFlushInterval are the spec §4.8 defaults.
const (
	DefaultBatchSize     = 50
	DefaultFlushInterval = 2 * time.Second
)

// Emitter forwards a batch of records to one destination. A slow or
// failing emitter must never block or fail other emitters.
type Emitter interface {
	Name() string
	EmitBatch(ctx context.Context, batch []*record.LogRecord) error
}

// Config configures a Batcher.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns the spec §4.8 defaults.
func DefaultConfig() Config {
	return Config{BatchSize: DefaultBatchSize, FlushInterval: DefaultFlushInterval}
}

// Batcher accumulates records from the fan-out bus and flushes them to
// every registered Emitter, whichever of batch-size or flush-interval
// is reached first.
type Batcher struct {
	cfg      Config
	in       <-chan *record.LogRecord
	emitters []Emitter
	logger   *slog.Logger

	mu  sync.Mutex
	buf []*record.LogRecord
}

// New constructs a Batcher reading from in and flushing to emitters.
func New(cfg Config, in <-chan *record.LogRecord, emitters []Emitter, logger *slog.Logger) *Batcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Batcher{
		cfg:      cfg,
		in:       in,
		emitters: emitters,
		logger:   logging.Default(logger).With("component", logging.ComponentExport),
		buf:      make([]*record.LogRecord, 0, cfg.BatchSize),
	}
}

// Run accumulates and flushes until ctx is cancelled or in is closed.
func (b *Batcher) Run(ctx context.Context) error {
	if len(b.emitters) == 0 {
		b.logger.Info("export batcher started with no emitters, passive mode")
	} else {
		b.logger.Info("export batcher active", "batch_size", b.cfg.BatchSize, "flush_interval", b.cfg.FlushInterval)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		b.logger.Warn("failed to start flush scheduler, interval flush disabled", "error", err)
	} else {
		_, err = scheduler.NewJob(
			gocron.DurationJob(b.cfg.FlushInterval),
			gocron.NewTask(func() { b.tick(ctx) }),
		)
		if err != nil {
			b.logger.Warn("failed to schedule flush job", "error", err)
		} else {
			scheduler.Start()
			defer func() { _ = scheduler.Shutdown() }()
		}
	}

	for {
		select {
		case <-ctx.Done():
			b.flushRemaining()
			return nil

		case r, ok := <-b.in:
			if !ok {
				b.flushRemaining()
				return nil
			}
			b.append(ctx, r)
		}
	}
}

// append adds a record to the buffer, flushing immediately if it fills
// the batch. Records that arrived via the RPC ingress are dropped here
// per spec §4.8's loop-prevention rule.
func (b *Batcher) append(ctx context.Context, r *record.LogRecord) {
	if isLoopRecord(r) {
		return
	}

	b.mu.Lock()
	b.buf = append(b.buf, r)
	var batch []*record.LogRecord
	if len(b.buf) >= b.cfg.BatchSize {
		batch = b.buf
		b.buf = make([]*record.LogRecord, 0, b.cfg.BatchSize)
	}
	b.mu.Unlock()

	if batch != nil {
		b.flush(ctx, batch)
	}
}

// tick is the interval-driven flush, scheduled via gocron.
func (b *Batcher) tick(ctx context.Context) {
	if batch := b.drain(); batch != nil {
		b.flush(ctx, batch)
	}
}

// flushRemaining flushes any buffered records on shutdown, per §5's
// "exporter flushes a final partial batch then exits" requirement. It
// uses a fresh context: ctx is already cancelled by the time this runs.
func (b *Batcher) flushRemaining() {
	if batch := b.drain(); batch != nil {
		b.flush(context.Background(), batch)
	}
}

// drain swaps out the buffer under lock, returning nil if it was empty.
func (b *Batcher) drain() []*record.LogRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == 0 {
		return nil
	}
	batch := b.buf
	b.buf = make([]*record.LogRecord, 0, b.cfg.BatchSize)
	return batch
}

// flush fans a batch out to every emitter concurrently; a slow or
// failing emitter never blocks or fails the others.
func (b *Batcher) flush(ctx context.Context, batch []*record.LogRecord) {
	var wg sync.WaitGroup
	for _, e := range b.emitters {
		wg.Go(func() {
			if err := e.EmitBatch(ctx, batch); err != nil {
				b.logger.Error("export failed", "emitter", e.Name(), "error", err)
			}
		})
	}
	wg.Wait()
}

// isLoopRecord reports whether r arrived via the mesh RPC ingress and
// must never be forwarded back upstream.
func isLoopRecord(r *record.LogRecord) bool {
	src, _ := r.Attrs["source"].(string)
	return src == "grpc"
}
